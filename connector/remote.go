package connector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/crosstownnet/crosstown/settlement"
)

// RemoteAdapter is the HTTP-transport Connector, spec.md §4.8. It posts
// to the admin HTTP surface of spec.md §6.5 and must produce
// bit-identical response shapes to EmbeddedAdapter for the same logical
// request.
type RemoteAdapter struct {
	baseURL string
	client  *http.Client
}

// NewRemoteAdapter builds a RemoteAdapter targeting baseURL, spec.md
// §6.5.
func NewRemoteAdapter(baseURL string) *RemoteAdapter {
	return &RemoteAdapter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type sendPacketBody struct {
	Destination   string `json:"destination"`
	Amount        int64  `json:"amount"`
	Data          string `json:"data"`
	SourceAccount string `json:"sourceAccount,omitempty"`
}

type sendPacketResponseBody struct {
	Accept      bool   `json:"accept"`
	Fulfillment string `json:"fulfillment,omitempty"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
	Required    int64  `json:"required,omitempty"`
	Received    int64  `json:"received,omitempty"`
}

// SendIlpPacket implements Runtime, spec.md §4.8 — POST
// <baseUrl>/admin/ilp/send.
func (a *RemoteAdapter) SendIlpPacket(req SendPacketRequest) (SendPacketResult, error) {
	body := sendPacketBody{
		Destination:   req.Destination,
		Amount:        req.Amount,
		Data:          req.Data,
		SourceAccount: req.SourceAccount,
	}

	var resp sendPacketResponseBody
	if err := a.postJSON("/admin/ilp/send", body, &resp); err != nil {
		return SendPacketResult{}, err
	}

	return SendPacketResult{
		Accepted:    resp.Accept,
		Fulfillment: resp.Fulfillment,
		Code:        resp.Code,
		Message:     resp.Message,
		Required:    resp.Required,
		Received:    resp.Received,
	}, nil
}

type addPeerBody struct {
	PeerID      string  `json:"peerId"`
	URL         string  `json:"url"`
	AuthToken   string  `json:"authToken"`
	Routes      []Route `json:"routes"`
}

// AddPeer implements Admin, spec.md §6.5 — POST /admin/peers.
func (a *RemoteAdapter) AddPeer(cfg PeerConfig) error {
	body := addPeerBody{
		PeerID:    cfg.PeerID,
		URL:       cfg.BtpEndpoint,
		AuthToken: cfg.AuthToken,
		Routes:    cfg.Routes,
	}
	return a.postJSON("/admin/peers", body, nil)
}

// RemovePeer implements Admin, spec.md §6.5 — DELETE /admin/peers/:id.
func (a *RemoteAdapter) RemovePeer(peerID string) error {
	req, err := http.NewRequest(http.MethodDelete, a.baseURL+"/admin/peers/"+peerID, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	defer resp.Body.Close()
	return statusToError(resp.StatusCode)
}

type openChannelBody struct {
	PeerID         string `json:"peerId"`
	Chain          string `json:"chain"`
	InitialDeposit string `json:"initialDeposit"`
	PeerAddress    string `json:"peerAddress"`
}

type openChannelResponseBody struct {
	ChannelID string `json:"channelId"`
}

// OpenChannel implements Channel, spec.md §6.5 — POST /admin/channels.
func (a *RemoteAdapter) OpenChannel(params OpenChannelParams) (string, error) {
	body := openChannelBody{
		PeerID:         params.PeerID,
		Chain:          params.Chain,
		InitialDeposit: params.Deposit,
		PeerAddress:    params.PeerAddress,
	}
	var resp openChannelResponseBody
	if err := a.postJSON("/admin/channels", body, &resp); err != nil {
		return "", err
	}
	return resp.ChannelID, nil
}

type channelStateResponseBody struct {
	ChannelID string `json:"channelId"`
	State     string `json:"state"`
	Chain     string `json:"chain"`
}

// GetChannelState implements Channel, spec.md §6.5 — GET
// /admin/channels/:id.
func (a *RemoteAdapter) GetChannelState(channelID string) (settlement.ChannelState, error) {
	resp, err := a.client.Get(a.baseURL + "/admin/channels/" + channelID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	defer resp.Body.Close()

	if err := statusToError(resp.StatusCode); err != nil {
		return "", err
	}

	var body channelStateResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return settlement.ChannelState(body.State), nil
}

func (a *RemoteAdapter) postJSON(path string, body interface{}, out interface{}) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	resp, err := a.client.Post(a.baseURL+path, "application/json", bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	defer resp.Body.Close()

	if err := statusToError(resp.StatusCode); err != nil {
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return nil
}

func statusToError(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusBadRequest:
		return ErrInvalidArgument
	case status == http.StatusNotFound:
		return ErrInvalidArgument
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ErrTimeout
	case status == http.StatusServiceUnavailable || status == http.StatusBadGateway:
		return ErrPeerUnreachable
	default:
		return ErrInternal
	}
}
