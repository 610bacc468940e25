package bootstrap

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/crosstownnet/crosstown/connector"
	"github.com/crosstownnet/crosstown/signedevent"
)

// HandshakeCoordinator bridges the BLS admission path and the bootstrap
// driver for the settlement handshake, spec.md §4.7 step 3 / §9
// ("Handshake carried on the data plane"): kind-23194/23195 events never
// pass through the durable store (they are ephemeral), so responding to
// a request and delivering a response to the peer awaiting it both
// happen here, driven by bls.Handler's admitted-packet hook rather than
// by querying the event store.
type HandshakeCoordinator struct {
	identity            Identity
	supportedChains     []string
	settlementAddresses map[string]string
	preferredTokens     map[string]string
	tokenNetworks       map[string]string
	conn                connector.Runtime

	mu      sync.Mutex
	pending map[string]chan *signedevent.SignedEvent
}

// NewHandshakeCoordinator builds a coordinator for the local identity.
// conn is used to send the response packet back to a requesting peer.
func NewHandshakeCoordinator(identity Identity, supportedChains []string, settlementAddresses, preferredTokens, tokenNetworks map[string]string, conn connector.Runtime) *HandshakeCoordinator {
	return &HandshakeCoordinator{
		identity:            identity,
		supportedChains:     supportedChains,
		settlementAddresses: settlementAddresses,
		preferredTokens:     preferredTokens,
		tokenNetworks:       tokenNetworks,
		conn:                conn,
		pending:             make(map[string]chan *signedevent.SignedEvent),
	}
}

// AwaitResponse registers interest in the handshake response to
// requestID and returns a channel that receives it. Callers must call
// CancelWait once they stop listening (on success or timeout) to avoid
// leaking the registration.
func (c *HandshakeCoordinator) AwaitResponse(requestID string) <-chan *signedevent.SignedEvent {
	ch := make(chan *signedevent.SignedEvent, 1)
	c.mu.Lock()
	c.pending[requestID] = ch
	c.mu.Unlock()
	return ch
}

// CancelWait deregisters a prior AwaitResponse call.
func (c *HandshakeCoordinator) CancelWait(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

// HandleAdmitted is wired as bls.Handler's admitted-packet hook. It is
// called synchronously for every packet BLS admits, including ephemeral
// kinds that the store itself never persists.
func (c *HandshakeCoordinator) HandleAdmitted(e *signedevent.SignedEvent) {
	switch e.Kind {
	case signedevent.KindHandshakeRequest:
		c.respondToRequest(e)
	case signedevent.KindHandshakeResponse:
		c.deliverResponse(e)
	}
}

func (c *HandshakeCoordinator) respondToRequest(request *signedevent.SignedEvent) {
	if !addressedToUs(request, c.identity.Pubkey) {
		return
	}

	var requesterInfo PeerInfo
	if err := json.Unmarshal([]byte(request.Content), &requesterInfo); err != nil {
		log.Warnf("malformed handshake request from %s: %v", request.Pubkey, err)
		return
	}
	if requesterInfo.ILPAddress == "" {
		log.Warnf("handshake request from %s carries no return address", request.Pubkey)
		return
	}

	respContent, err := json.Marshal(PeerInfo{
		ILPAddress:          c.identity.ILPAddress,
		SupportedChains:     c.supportedChains,
		SettlementAddresses: c.settlementAddresses,
		PreferredTokens:     c.preferredTokens,
		TokenNetworks:       c.tokenNetworks,
	})
	if err != nil {
		return
	}

	respEvent := &signedevent.SignedEvent{
		CreatedAt: time.Now().Unix(),
		Kind:      signedevent.KindHandshakeResponse,
		Tags:      [][]string{{"e", request.ID}, {"p", request.Pubkey}},
		Content:   string(respContent),
	}
	if err := signedevent.Sign(respEvent, c.identity.PrivateKey); err != nil {
		return
	}

	data, err := encodePacketData(respEvent)
	if err != nil {
		return
	}

	if _, err := c.conn.SendIlpPacket(connector.SendPacketRequest{
		Destination: requesterInfo.ILPAddress,
		Amount:      0,
		Data:        data,
	}); err != nil {
		log.Warnf("sending handshake response to %s failed: %v", request.Pubkey, err)
	}
}

func (c *HandshakeCoordinator) deliverResponse(response *signedevent.SignedEvent) {
	requestID := firstTagValue(response, "e")
	if requestID == "" {
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[requestID]
	c.mu.Unlock()
	if !ok {
		return
	}

	select {
	case ch <- response:
	default:
	}
}

func addressedToUs(e *signedevent.SignedEvent, ourPubkey string) bool {
	return firstTagValue(e, "p") == ourPubkey
}

func firstTagValue(e *signedevent.SignedEvent, name string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}
