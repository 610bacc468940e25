// Package bls implements the Business Logic Server packet handler of
// spec.md §4.5: the single acceptance test every inbound paid packet
// passes through before its embedded event reaches the store. The
// handler's shape — decode, validate, price, admit-or-reject, dispatch —
// follows the central switch/admission structure of the teacher's
// htlcswitch.Switch (teacher file htlcswitch/switch.go).
package bls

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crosstownnet/crosstown/eventstore"
	"github.com/crosstownnet/crosstown/internal/logging"
	"github.com/crosstownnet/crosstown/pricing"
	"github.com/crosstownnet/crosstown/settlement"
	"github.com/crosstownnet/crosstown/signedevent"
)

var log = logging.NewSubsystemLogger("BLS")

// Reject codes, spec.md §4.5/§7.
const (
	CodeInvalidData      = "F00"
	CodePriceTooLow       = "F06"
	CodeInternal          = "T00"
)

// PacketRequest is what the connector hands to the handler, spec.md §3.
type PacketRequest struct {
	Amount        int64
	Destination   string
	Data          string // base64 of a compact-encoded event, possibly enveloped
	SourceAccount string
}

// PacketResponse is the handler's verdict, spec.md §3.
type PacketResponse struct {
	Accept       bool
	Fulfillment  string
	Code         string
	Message      string
	Required     int64
	Received     int64
	Metadata     map[string]interface{}
}

// claimKey identifies the (channel, signer) pair a claim table tracks
// nonces for.
type claimKey struct {
	channelID string
	signer    string
}

// Handler is the BLS packet handler. It owns no transport; HTTP and
// in-process embedding both call Handle directly (see Server in
// http.go and connector's embedded adapter).
type Handler struct {
	store   *eventstore.Store
	pricer  *pricing.Policy
	ledger  *settlement.Store // may be nil if settlement is not configured

	claimMu   sync.Mutex
	lastClaim map[claimKey]uint64

	metrics *Metrics

	// onAdmitted, if set, is called for every event that passes
	// verification and pricing — including ephemeral kinds the store
	// itself never persists. The bootstrap handshake coordinator uses
	// this to react to kind-23194/23195 traffic, which travels entirely
	// outside the durable store, spec.md §9.
	onAdmitted func(*signedevent.SignedEvent)
}

// NewHandler constructs a Handler. ledger may be nil when the node runs
// without a settlement backend configured; in that case claim sidecars
// are verified against, and recorded in, the in-memory claim table only,
// and nothing about them is written durably.
func NewHandler(store *eventstore.Store, pricer *pricing.Policy, ledger *settlement.Store) *Handler {
	return &Handler{
		store:     store,
		pricer:    pricer,
		ledger:    ledger,
		lastClaim: make(map[claimKey]uint64),
		metrics:   newMetrics(),
	}
}

// Handle implements handlePacket, spec.md §4.5 steps 1-7.
func (h *Handler) Handle(req PacketRequest) PacketResponse {
	raw, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		h.metrics.rejected(CodeInvalidData)
		return reject(CodeInvalidData, "invalid data: not valid base64")
	}

	event, claimSidecar, err := signedevent.DecodeEnvelope(raw)
	if err != nil {
		h.metrics.rejected(CodeInvalidData)
		return reject(CodeInvalidData, "invalid event encoding: "+err.Error())
	}

	if err := signedevent.Verify(event, time.Now()); err != nil {
		h.metrics.rejected(CodeInvalidData)
		return reject(CodeInvalidData, "invalid signature: "+err.Error())
	}

	price, err := h.pricer.Price(event)
	if err != nil {
		h.metrics.rejected(CodeInvalidData)
		return reject(CodeInvalidData, "invalid event: "+err.Error())
	}

	// Zero-amount packets bypass pricing entirely, but only for kinds on
	// the configured free-handshake list — any other zero-amount packet
	// is priced normally and rejected F06 if price > 0, spec.md §9.
	freeHandshake := req.Amount == 0 && h.pricer.IsFreeHandshakeKind(event.Kind)

	if !freeHandshake && price > req.Amount {
		h.metrics.rejected(CodePriceTooLow)
		resp := reject(CodePriceTooLow, "insufficient payment")
		resp.Required = price
		resp.Received = req.Amount
		return resp
	}

	if claimSidecar != nil {
		if err := h.admitClaim(event, claimSidecar); err != nil {
			h.metrics.rejected(CodeInvalidData)
			return reject(CodeInvalidData, "stale claim: "+err.Error())
		}
	}

	if h.onAdmitted != nil {
		h.onAdmitted(event)
	}

	result, err := h.store.Put(event)
	if err != nil && !errors.Is(err, signedevent.ErrInvalidEvent) {
		h.metrics.rejected(CodeInternal)
		return reject(CodeInternal, "internal: "+err.Error())
	}
	if err != nil {
		h.metrics.rejected(CodeInvalidData)
		return reject(CodeInvalidData, "invalid event: "+err.Error())
	}

	h.metrics.accepted()
	if result.Stored {
		h.metrics.eventsStored.Inc()
	}

	sum := sha256.Sum256([]byte(event.ID))
	return PacketResponse{
		Accept:      true,
		Fulfillment: hex.EncodeToString(sum[:]),
		Metadata: map[string]interface{}{
			"eventId": event.ID,
			"stored":  result.Stored,
		},
	}
}

// admitClaim validates and records a claim sidecar accompanying a
// packet, spec.md §4.5's third guarantee. With a ledger configured, the
// claim's channel must exist and be open, the ledger's last nonce for
// the (channel, signer) pair also bounds the new nonce, and the claim is
// written to the ledger. A nil ledger means settlement is unconfigured;
// the claim is then checked against and recorded in the in-memory table
// only.
func (h *Handler) admitClaim(event *signedevent.SignedEvent, sidecar *signedevent.ClaimSidecar) error {
	key := claimKey{channelID: sidecar.ChannelID, signer: event.Pubkey}

	h.claimMu.Lock()
	defer h.claimMu.Unlock()

	lastSeen := h.lastClaim[key]

	if h.ledger != nil {
		ch, err := h.ledger.GetChannel(context.Background(), sidecar.ChannelID)
		if err != nil {
			return err
		}
		if ch.State != settlement.ChannelOpen {
			return settlement.ErrChannelNotOpen
		}
		durable, err := h.ledger.LastNonce(context.Background(), sidecar.ChannelID, event.Pubkey)
		if err != nil {
			return err
		}
		if durable > lastSeen {
			lastSeen = durable
		}
	}

	pubkeyBytes, err := hex.DecodeString(event.Pubkey)
	if err != nil {
		return fmt.Errorf("invalid signer pubkey: %w", err)
	}

	claim := settlement.SignedClaim{
		ChannelID: sidecar.ChannelID,
		Nonce:     sidecar.Nonce,
		Amount:    sidecar.Amount,
		Signature: sidecar.Signature,
	}
	if err := settlement.VerifyClaim(claim, pubkeyBytes, lastSeen); err != nil {
		return err
	}

	if h.ledger != nil {
		if err := h.ledger.RecordClaim(context.Background(), event.Pubkey, claim); err != nil {
			return err
		}
	}

	h.lastClaim[key] = sidecar.Nonce
	return nil
}

func reject(code, message string) PacketResponse {
	return PacketResponse{Accept: false, Code: code, Message: message}
}

// Metrics exposes h's Prometheus collectors for registration by the HTTP
// server.
func (h *Handler) MetricsCollectors() *Metrics {
	return h.metrics
}

// SetOnAdmitted wires fn as h's admitted-packet hook, called
// synchronously after verification and pricing succeed but before
// persistence is attempted.
func (h *Handler) SetOnAdmitted(fn func(*signedevent.SignedEvent)) {
	h.onAdmitted = fn
}
