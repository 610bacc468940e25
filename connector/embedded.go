package connector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/crosstownnet/crosstown/bls"
	"github.com/crosstownnet/crosstown/internal/logging"
	"github.com/crosstownnet/crosstown/settlement"
)

var log = logging.NewSubsystemLogger("CONN")

// PacketDeliverer is the subset of bls.Handler the embedded adapter
// needs to deliver a locally-addressed packet — a direct function
// pointer into the destination node's BLS, mirroring teacher
// htlcswitch.Config's function-pointer injection rather than an
// interface hop.
type PacketDeliverer interface {
	Handle(req bls.PacketRequest) bls.PacketResponse
}

// EmbeddedAdapter is the in-process Connector, spec.md §4.8. It holds a
// registry of peer ILP addresses to their local PacketDeliverer (for
// in-process multi-node test harnesses and single-node self-delivery,
// spec.md §8 scenario 1) and a settlement-backed channel ledger.
type EmbeddedAdapter struct {
	localAddress string

	mu    sync.Mutex
	peers map[string]PeerConfig
	// destinations maps an ILP address to the deliverer that handles
	// packets addressed to it. For the local node's own address this is
	// its own bls.Handler; for peers registered in an in-process
	// harness it is that peer's bls.Handler.
	destinations map[string]PacketDeliverer

	ledger *settlement.Store
}

// NewEmbeddedAdapter builds an embedded Connector for the node whose ILP
// address is localAddress and whose own BLS handler is localHandler.
func NewEmbeddedAdapter(localAddress string, localHandler PacketDeliverer, ledger *settlement.Store) *EmbeddedAdapter {
	a := &EmbeddedAdapter{
		localAddress: localAddress,
		peers:        make(map[string]PeerConfig),
		destinations: make(map[string]PacketDeliverer),
		ledger:       ledger,
	}
	a.destinations[localAddress] = localHandler
	return a
}

// RegisterDestination wires another node's deliverer under its ILP
// address, for in-process multi-node test harnesses where no real
// network hop separates the nodes.
func (a *EmbeddedAdapter) RegisterDestination(ilpAddress string, deliverer PacketDeliverer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.destinations[ilpAddress] = deliverer
}

// SendIlpPacket implements Runtime, spec.md §4.8.
func (a *EmbeddedAdapter) SendIlpPacket(req SendPacketRequest) (SendPacketResult, error) {
	if req.Destination == "" {
		return SendPacketResult{}, ErrInvalidArgument
	}

	a.mu.Lock()
	deliverer, ok := a.destinations[req.Destination]
	a.mu.Unlock()
	if !ok {
		log.Debugf("no registered destination for %s", req.Destination)
		return SendPacketResult{}, ErrPeerUnreachable
	}

	resp := deliverer.Handle(bls.PacketRequest{
		Amount:        req.Amount,
		Destination:   req.Destination,
		Data:          req.Data,
		SourceAccount: req.SourceAccount,
	})

	return SendPacketResult{
		Accepted:    resp.Accept,
		Fulfillment: resp.Fulfillment,
		Code:        resp.Code,
		Message:     resp.Message,
		Required:    resp.Required,
		Received:    resp.Received,
	}, nil
}

// AddPeer implements Admin, spec.md §4.8.
func (a *EmbeddedAdapter) AddPeer(cfg PeerConfig) error {
	if cfg.PeerID == "" {
		return ErrInvalidArgument
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.peers[cfg.PeerID] = cfg
	return nil
}

// RemovePeer implements Admin, spec.md §4.8.
func (a *EmbeddedAdapter) RemovePeer(peerID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.peers[peerID]; !ok {
		return ErrInvalidArgument
	}
	delete(a.peers, peerID)
	return nil
}

// OpenChannel implements Channel, spec.md §4.8. The embedded adapter has
// no on-chain view of its own, so it marks the channel open immediately
// after recording it — callers running against a real chain are expected
// to drive TransitionChannel from their own confirmation watcher
// instead of going through this path.
func (a *EmbeddedAdapter) OpenChannel(params OpenChannelParams) (string, error) {
	if params.PeerID == "" || params.Chain == "" || params.PeerAddress == "" {
		return "", ErrInvalidArgument
	}
	if params.Deposit == "" || params.Deposit == "0" {
		return "", ErrInsufficientDeposit
	}

	channelID := deriveChannelID(params)

	ch := settlement.Channel{
		ChannelID:    channelID,
		Chain:        params.Chain,
		PeerAddress:  params.PeerAddress,
		LocalAddress: a.localAddress,
		TokenAddress: params.Token,
		Deposit:      params.Deposit,
		State:        settlement.ChannelOpening,
	}

	ctx := context.Background()
	if err := a.ledger.CreateChannel(ctx, ch); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if err := a.ledger.TransitionChannel(ctx, channelID, settlement.ChannelOpen); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInternal, err)
	}

	return channelID, nil
}

// GetChannelState implements Channel, spec.md §4.8.
func (a *EmbeddedAdapter) GetChannelState(channelID string) (settlement.ChannelState, error) {
	ch, err := a.ledger.GetChannel(context.Background(), channelID)
	if err != nil {
		if errors.Is(err, settlement.ErrChannelNotFound) {
			return "", ErrInvalidArgument
		}
		return "", fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return ch.State, nil
}

func deriveChannelID(params OpenChannelParams) string {
	sum := sha256.Sum256([]byte(params.PeerID + params.Chain + params.PeerAddress + params.Deposit))
	return hex.EncodeToString(sum[:])
}
