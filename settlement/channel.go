// Package settlement implements the Settlement / Signed Claims helper of
// spec.md §4.9: a durable per-channel ledger of monotonically increasing
// off-chain claims, backed by Postgres. Claim monotonicity here mirrors
// the teacher's own commitment-number invariant in lnwallet/channel.go —
// a state update is only accepted if it strictly advances the channel's
// counter — and signature verification follows the shape of
// discovery/validation.go: recompute the signed digest, then check one
// signature over it.
package settlement

import "fmt"

// ChannelState is the lifecycle stage of a payment channel, spec.md §3.
type ChannelState string

const (
	ChannelOpening ChannelState = "opening"
	ChannelOpen    ChannelState = "open"
	ChannelClosed  ChannelState = "closed"
	ChannelSettled ChannelState = "settled"
)

// Channel is the durable record of a payment channel, spec.md §3.
type Channel struct {
	ChannelID    string
	Chain        string
	PeerAddress  string
	LocalAddress string
	TokenAddress string
	Deposit      string
	State        ChannelState
}

// ErrInvalidTransition is returned when a requested state change does not
// follow the channel lifecycle opening -> open -> closed -> settled.
var ErrInvalidTransition = fmt.Errorf("invalid channel state transition")

// validTransitions enumerates the only state changes settlement will
// persist; anything else is a bug in the caller, not a data race, so it
// is rejected rather than coerced.
var validTransitions = map[ChannelState][]ChannelState{
	ChannelOpening: {ChannelOpen, ChannelClosed},
	ChannelOpen:    {ChannelClosed},
	ChannelClosed:  {ChannelSettled},
}

// CanTransition reports whether from -> to is a legal channel lifecycle
// step.
func CanTransition(from, to ChannelState) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
