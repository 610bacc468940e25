package connector

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// AdminServer exposes a Connector over the admin HTTP surface spec.md
// §6.5 describes, the server side RemoteAdapter talks to. A node running
// with connectormode=embedded still starts one of these so a remote peer
// (or an operator's CLI) can drive it exactly the way RemoteAdapter
// expects, regardless of which transport that node itself uses for its
// own outbound traffic.
type AdminServer struct {
	conn Connector
	mux  *http.ServeMux
}

// NewAdminServer wraps conn in the admin HTTP surface.
func NewAdminServer(conn Connector) *AdminServer {
	s := &AdminServer{conn: conn, mux: http.NewServeMux()}
	s.mux.HandleFunc("/admin/ilp/send", s.sendPacket)
	s.mux.HandleFunc("/admin/peers", s.peers)
	s.mux.HandleFunc("/admin/peers/", s.removePeer)
	s.mux.HandleFunc("/admin/channels", s.openChannel)
	s.mux.HandleFunc("/admin/channels/", s.channelState)
	return s
}

// ServeHTTP implements http.Handler.
func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *AdminServer) sendPacket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body sendPacketBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	result, err := s.conn.SendIlpPacket(SendPacketRequest{
		Destination:   body.Destination,
		Amount:        body.Amount,
		Data:          body.Data,
		SourceAccount: body.SourceAccount,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sendPacketResponseBody{
		Accept:      result.Accepted,
		Fulfillment: result.Fulfillment,
		Code:        result.Code,
		Message:     result.Message,
		Required:    result.Required,
		Received:    result.Received,
	})
}

func (s *AdminServer) peers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body addPeerBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	err := s.conn.AddPeer(PeerConfig{
		PeerID:      body.PeerID,
		BtpEndpoint: body.URL,
		AuthToken:   body.AuthToken,
		Routes:      body.Routes,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *AdminServer) removePeer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	peerID := strings.TrimPrefix(r.URL.Path, "/admin/peers/")
	if peerID == "" {
		http.Error(w, "missing peer id", http.StatusBadRequest)
		return
	}
	if err := s.conn.RemovePeer(peerID); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *AdminServer) openChannel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body openChannelBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	channelID, err := s.conn.OpenChannel(OpenChannelParams{
		PeerID:      body.PeerID,
		Chain:       body.Chain,
		PeerAddress: body.PeerAddress,
		Deposit:     body.InitialDeposit,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, openChannelResponseBody{ChannelID: channelID})
}

func (s *AdminServer) channelState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	channelID := strings.TrimPrefix(r.URL.Path, "/admin/channels/")
	if channelID == "" {
		http.Error(w, "missing channel id", http.StatusBadRequest)
		return
	}
	state, err := s.conn.GetChannelState(channelID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, channelStateResponseBody{ChannelID: channelID, State: string(state)})
}

// writeErr maps the connector error taxonomy back onto HTTP status codes,
// the inverse of statusToError in remote.go for every error except
// ErrInsufficientDeposit: that error is served as 400 like
// ErrInvalidArgument, so a RemoteAdapter caller receives it as
// ErrInvalidArgument where an EmbeddedAdapter caller receives
// ErrInsufficientDeposit.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrInsufficientDeposit):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrTimeout):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	case errors.Is(err, ErrPeerUnreachable):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		log.Errorf("admin request failed: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
