// Package bootstrap implements the Bootstrap State Machine of spec.md
// §4.7: the discovering -> registering -> handshaking -> announcing ->
// ready phase sequence (with failed absorbing, reachable from
// discovering, registering and handshaking) that brings a cold-started node into the payment-routed relay
// fabric. The announce/validate/subscribe shape of peer-info gossip is
// grounded on teacher discovery/validation.go and
// discovery/gossiper_test.go; the phased startup sequencing is grounded
// on teacher server.go's newServer -> goroutine fan-out pattern.
package bootstrap

import (
	"time"
)

// Phase is one of the six bootstrap states, spec.md §3. Transitions are
// strictly forward except into Failed.
type Phase string

const (
	PhaseDiscovering Phase = "discovering"
	PhaseRegistering Phase = "registering"
	PhaseHandshaking Phase = "handshaking"
	PhaseAnnouncing  Phase = "announcing"
	PhaseReady       Phase = "ready"
	PhaseFailed      Phase = "failed"
)

// PeerInfo is the gossiped capability record of spec.md §3, carried in
// kind-10032 events.
type PeerInfo struct {
	ILPAddress          string            `json:"ilpAddress"`
	BTPEndpoint         string            `json:"btpEndpoint"`
	AssetCode           string            `json:"assetCode"`
	AssetScale          int               `json:"assetScale"`
	SupportedChains     []string          `json:"supportedChains"`
	SettlementAddresses map[string]string `json:"settlementAddresses"`
	PreferredTokens     map[string]string `json:"preferredTokens"`
	TokenNetworks       map[string]string `json:"tokenNetworks"`
}

// KnownPeer is a genesis-config seed record, spec.md §3.
type KnownPeer struct {
	Pubkey      string
	RelayURL    string
	BTPEndpoint string
}

// DiscoveredPeer is produced by listening for peer-info events, spec.md
// §3.
type DiscoveredPeer struct {
	Pubkey       string
	PeerInfo     PeerInfo
	DiscoveredAt time.Time
}

// peerRecord is the bootstrap driver's own view of one peer as it
// advances through registering/handshaking/announcing. It is never
// shared outside the driver — Channel records in settlement are the
// durable, shared view.
type peerRecord struct {
	peer       DiscoveredPeer
	registered bool
	handshaken bool
	channelID  string
	announced  bool

	// negotiated during handshake
	chain           string
	peerAddress     string
	peerTokenAddr   string
}

// Event is one advisory notification emitted by the driver, spec.md
// §4.7: "every transition emits an event ... the consumer treats these
// as advisory."
type Event struct {
	Type      string
	Phase     Phase
	PeerID    string
	ChannelID string
	Message   string
}
