// Package connector implements the Connector Interface Layer of spec.md
// §4.8: two transport-distinguished adapters — embedded (in-process) and
// remote (HTTP) — implementing identical Runtime/Admin/Channel
// interfaces with a shared error taxonomy. The embedded adapter's
// function-pointer injection is grounded on teacher htlcswitch.Config
// (htlcswitch/switch.go); the remote adapter's request/response shapes
// follow the admin HTTP surface implied by teacher rpcserver.go.
package connector

import (
	"errors"

	"github.com/crosstownnet/crosstown/settlement"
)

// Error taxonomy shared by both adapters, spec.md §4.8.
var (
	ErrInvalidArgument  = errors.New("invalid-argument")
	ErrPeerUnreachable  = errors.New("peer-unreachable")
	ErrInsufficientDeposit = errors.New("insufficient-deposit")
	ErrTimeout          = errors.New("timeout")
	ErrInternal         = errors.New("internal")
)

// SendPacketRequest mirrors spec.md §3 PacketRequest for the outbound
// direction.
type SendPacketRequest struct {
	Destination   string
	Amount        int64
	Data          string
	SourceAccount string
}

// SendPacketResult is Runtime.sendIlpPacket's result, spec.md §4.8.
type SendPacketResult struct {
	Accepted    bool
	Fulfillment string
	Code        string
	Message     string
	Required    int64
	Received    int64
}

// Runtime sends outbound ILP packets.
type Runtime interface {
	SendIlpPacket(req SendPacketRequest) (SendPacketResult, error)
}

// PeerConfig is what Admin.AddPeer registers, spec.md §4.7/§4.8.
type PeerConfig struct {
	PeerID      string
	BtpEndpoint string
	Routes      []Route
	AuthToken   string
}

// Route is one routing table entry registered for a peer.
type Route struct {
	Prefix   string
	Priority int
}

// Admin manages the connector's peer table.
type Admin interface {
	AddPeer(cfg PeerConfig) error
	RemovePeer(peerID string) error
}

// OpenChannelParams is Channel.OpenChannel's input, spec.md §4.7 step 3d.
type OpenChannelParams struct {
	PeerID       string
	Chain        string
	Token        string
	PeerAddress  string
	Deposit      string
}

// Channel manages payment channel lifecycle.
type Channel interface {
	OpenChannel(params OpenChannelParams) (channelID string, err error)
	GetChannelState(channelID string) (settlement.ChannelState, error)
}

// Connector bundles all three interfaces, the shape both the embedded
// and remote adapter construct.
type Connector interface {
	Runtime
	Admin
	Channel
}
