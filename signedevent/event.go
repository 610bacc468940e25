// Package signedevent defines the universal on-wire record described in
// spec.md §3 — SignedEvent — along with its hash/signature invariants and
// the kind-category rules the event store and pricing service both key
// off of.
//
// Verification follows the same shape as the teacher's own announcement
// validation in discovery/validation.go: reconstruct the signed digest,
// then check a single Schnorr/ECDSA signature over it. Here the scheme is
// BIP-340 Schnorr (github.com/btcsuite/btcd/btcec/v2/schnorr) rather than
// the teacher's ECDSA, since Nostr-style events are Schnorr-signed.
package signedevent

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// ErrInvalidEvent is returned for any structural, hash, or signature
// violation described in spec.md §3's invariants.
var ErrInvalidEvent = errors.New("INVALID_EVENT")

// acceptanceWindow bounds how far created_at may drift from local clock on
// ingress, per spec.md §3.
const acceptanceWindow = 10 * time.Minute

// Kind category boundaries, spec.md §4.2 / §6.1.
const (
	ReplaceableKindLow  = 10000
	ReplaceableKindHigh = 19999
	EphemeralKindLow    = 20000
	EphemeralKindHigh   = 29999
	AddressableKindLow  = 30000
	AddressableKindHigh = 39999
)

// Well-known kinds, spec.md §6.1.
const (
	KindMetadata           = 0
	KindNote               = 1
	KindFollowList         = 3
	KindPeerInfo           = 10032
	KindHandshakeRequest   = 23194
	KindHandshakeResponse  = 23195
)

// SignedEvent is the universal on-wire record of spec.md §3. Byte fields
// that are transported as hex (Id, Pubkey, Sig) are kept as hex strings
// here too, so the struct can be marshaled straight into relay wire
// frames (spec.md §6.3) without an intermediate representation.
type SignedEvent struct {
	ID        string     `json:"id"`
	Pubkey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// IsReplaceable reports whether kind falls in the replaceable range.
func IsReplaceable(kind int) bool {
	return kind >= ReplaceableKindLow && kind <= ReplaceableKindHigh
}

// IsEphemeral reports whether kind falls in the ephemeral range.
func IsEphemeral(kind int) bool {
	return kind >= EphemeralKindLow && kind <= EphemeralKindHigh
}

// IsAddressable reports whether kind falls in the addressable range.
func IsAddressable(kind int) bool {
	return kind >= AddressableKindLow && kind <= AddressableKindHigh
}

// DTagValue returns the second element of the first tag named "d", or ""
// if the event carries no such tag. Addressable events are unique per
// (pubkey, kind, DTagValue), spec.md §4.2.
func (e *SignedEvent) DTagValue() string {
	for _, tag := range e.Tags {
		if len(tag) >= 1 && tag[0] == "d" {
			if len(tag) >= 2 {
				return tag[1]
			}
			return ""
		}
	}
	return ""
}

// canonicalDigestInput returns the bytes hashed to form the event id: the
// canonical serialization of (pubkey, created_at, kind, tags, content).
// It is intentionally distinct from the compact wire codec in codec.go —
// the id commits only to these five fields, never to id or sig
// themselves.
func canonicalDigestInput(e *SignedEvent) ([]byte, error) {
	pubkey, err := decodeFixed(e.Pubkey, 32, "pubkey")
	if err != nil {
		return nil, err
	}

	var buf []byte
	buf = append(buf, pubkey...)
	buf = appendUint64(buf, uint64(e.CreatedAt))
	buf = appendUint32(buf, uint32(e.Kind))
	buf = appendTags(buf, e.Tags)
	buf = appendVarBytes(buf, []byte(e.Content))
	return buf, nil
}

// ComputeID returns the hex-encoded SHA-256 hash of e's canonical digest
// input, i.e. what e.ID must equal for e to be valid.
func ComputeID(e *SignedEvent) (string, error) {
	digestInput, err := canonicalDigestInput(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(digestInput)
	return hex.EncodeToString(sum[:]), nil
}

// Verify checks the three structural invariants of spec.md §3: the id
// recomputes correctly, the Schnorr signature over that id verifies under
// pubkey, and created_at falls within the acceptance window of now. It
// returns ErrInvalidEvent (wrapped with detail) on any violation.
func Verify(e *SignedEvent, now time.Time) error {
	wantID, err := ComputeID(e)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if !equalFoldHex(wantID, e.ID) {
		return fmt.Errorf("%w: id mismatch", ErrInvalidEvent)
	}

	idBytes, err := decodeFixed(e.ID, 32, "id")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	pubkeyBytes, err := decodeFixed(e.Pubkey, 32, "pubkey")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	sigBytes, err := decodeFixed(e.Sig, 64, "sig")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	pubKey, err := schnorr.ParsePubKey(pubkeyBytes)
	if err != nil {
		return fmt.Errorf("%w: invalid pubkey: %v", ErrInvalidEvent, err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("%w: invalid signature encoding: %v", ErrInvalidEvent, err)
	}
	if !sig.Verify(idBytes, pubKey) {
		return fmt.Errorf("%w: signature does not verify", ErrInvalidEvent)
	}

	ts := time.Unix(e.CreatedAt, 0)
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > acceptanceWindow {
		return fmt.Errorf("%w: created_at outside acceptance window", ErrInvalidEvent)
	}

	return nil
}

// Sign computes e.ID from its other fields and signs it in place with
// priv, setting e.Pubkey and e.Sig. It is used by components that author
// their own events: the bootstrap handshake and peer-info announcer.
func Sign(e *SignedEvent, priv *btcec.PrivateKey) error {
	e.Pubkey = hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey()))

	id, err := ComputeID(e)
	if err != nil {
		return err
	}
	e.ID = id

	idBytes, err := hex.DecodeString(id)
	if err != nil {
		return err
	}

	sig, err := schnorr.Sign(priv, idBytes)
	if err != nil {
		return err
	}
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

func decodeFixed(s string, n int, field string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid hex: %w", field, err)
	}
	if len(b) != n {
		return nil, fmt.Errorf("%s: expected %d bytes, got %d", field, n, len(b))
	}
	return b, nil
}

func equalFoldHex(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
