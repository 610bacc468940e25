package settlement

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// SignedClaim is a per-channel, nonce-monotonic payment claim, spec.md
// §3. Signature scheme is ECDSA over secp256k1 (decred's pure-Go
// implementation), distinct from the Schnorr scheme signedevent uses for
// relay events — channel claims are a settlement-layer primitive, not a
// gossip-layer one, and the teacher's own channel state updates are
// ECDSA-signed, so claims follow that precedent rather than Schnorr.
type SignedClaim struct {
	ChannelID string
	Nonce     uint64
	Amount    string
	Signature string
}

var (
	// ErrStaleNonce is returned when a claim's nonce does not strictly
	// exceed the highest nonce this signer has previously presented for
	// the channel, spec.md §4.5 guarantee #3 / §8 scenario 6.
	ErrStaleNonce = errors.New("stale claim nonce")

	// ErrAmountNotIncreasing is returned by SignNext when the requested
	// amount does not strictly exceed the last amount this node signed
	// for the channel, mirroring lnwallet/channel.go's requirement that
	// a new commitment only ever pays the channel's own side more.
	ErrAmountNotIncreasing = errors.New("claim amount must strictly increase")

	// ErrChannelNotOpen is returned when a claim is presented against a
	// channel that is not in the open state (see bls.Handler's claim
	// admission). SignNext does not consult channel state.
	ErrChannelNotOpen = errors.New("channel is not open")

	// ErrBadSignature is returned by VerifyClaim when the claim's signature
	// does not validate under the presented signer key.
	ErrBadSignature = errors.New("invalid claim signature")
)

// claimDigest hashes (channelID, nonce, amount) into the 32 bytes that
// get ECDSA-signed. It intentionally excludes the signature field
// itself.
func claimDigest(channelID string, nonce uint64, amount string) ([32]byte, error) {
	chanBytes, err := hex.DecodeString(channelID)
	if err != nil {
		return [32]byte{}, fmt.Errorf("invalid channel id: %w", err)
	}

	var buf []byte
	buf = append(buf, chanBytes...)
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)
	buf = append(buf, nonceBytes[:]...)
	buf = append(buf, []byte(amount)...)

	return sha256.Sum256(buf), nil
}

// ClaimSigner issues and verifies SignedClaims for a single local
// identity, tracking the highest nonce and amount seen per channel so
// that monotonicity can be enforced without a round trip to the
// database on the hot path. Store.RecordClaim is still the durable
// source of truth; ClaimSigner is an in-memory front for it, guarded by
// a per-instance mutex the way lnwallet.LightningChannel guards its own
// commitment state.
type ClaimSigner struct {
	mu   sync.Mutex
	priv *secp256k1.PrivateKey

	// last tracks, per channel id, the last (nonce, amount) this signer
	// produced.
	last map[string]lastClaim
}

type lastClaim struct {
	nonce  uint64
	amount string
}

// NewClaimSigner constructs a ClaimSigner for the given channel signing
// key.
func NewClaimSigner(priv *secp256k1.PrivateKey) *ClaimSigner {
	return &ClaimSigner{
		priv: priv,
		last: make(map[string]lastClaim),
	}
}

// SignNext produces the next SignedClaim for channelID paying amount,
// which must strictly exceed the amount last signed for that channel by
// this signer (zero being the implicit starting amount).
func (s *ClaimSigner) SignNext(channelID string, amount string, amountGreater func(a, b string) bool) (SignedClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.last[channelID]
	if !ok {
		prev = lastClaim{nonce: 0, amount: "0"}
	}
	if !amountGreater(amount, prev.amount) {
		return SignedClaim{}, ErrAmountNotIncreasing
	}
	nonce := prev.nonce + 1

	digest, err := claimDigest(channelID, nonce, amount)
	if err != nil {
		return SignedClaim{}, err
	}

	sig := ecdsa.Sign(s.priv, digest[:])

	claim := SignedClaim{
		ChannelID: channelID,
		Nonce:     nonce,
		Amount:    amount,
		Signature: hex.EncodeToString(compactSignature(sig)),
	}

	s.last[channelID] = lastClaim{nonce: nonce, amount: amount}
	return claim, nil
}

// VerifyClaim checks that claim carries a valid ECDSA signature under
// signerPubkey over (channelID, nonce, amount), and that its nonce
// strictly exceeds lastSeenNonce (the highest nonce previously accepted
// for this (channel, signer) pair — callers source this from
// Store.LastNonce). It does not itself consult channel state; callers
// reject claims against non-open channels separately (see
// bls.Handler.admitClaim, which does so when a ledger is configured).
func VerifyClaim(claim SignedClaim, signerPubkey []byte, lastSeenNonce uint64) error {
	if claim.Nonce <= lastSeenNonce {
		return ErrStaleNonce
	}

	digest, err := claimDigest(claim.ChannelID, claim.Nonce, claim.Amount)
	if err != nil {
		return err
	}

	sigBytes, err := hex.DecodeString(claim.Signature)
	if err != nil {
		return fmt.Errorf("%w: invalid signature encoding: %v", ErrBadSignature, err)
	}
	if len(sigBytes) != 64 {
		return fmt.Errorf("%w: expected 64-byte signature, got %d", ErrBadSignature, len(sigBytes))
	}
	sig, err := parseCompactSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	pubKey, err := secp256k1.ParsePubKey(signerPubkey)
	if err != nil {
		return fmt.Errorf("%w: invalid signer key: %v", ErrBadSignature, err)
	}

	if !sig.Verify(digest[:], pubKey) {
		return ErrBadSignature
	}

	return nil
}

// compactSignature serializes sig as the fixed 64-byte R||S encoding
// spec.md §6.2 requires for the claim sidecar, rather than decred's
// default variable-length DER form.
func compactSignature(sig *ecdsa.Signature) []byte {
	der := sig.Serialize()
	r, s := parseDERToScalars(der)
	out := make([]byte, 64)
	copy(out[0:32], r)
	copy(out[32:64], s)
	return out
}

// parseDERToScalars extracts the raw, left-zero-padded 32-byte R and S
// values from a DER-encoded ECDSA signature.
func parseDERToScalars(der []byte) (r, s []byte) {
	// DER: 0x30 len 0x02 rlen R 0x02 slen S
	i := 2
	rlen := int(der[i+1])
	rbytes := der[i+2 : i+2+rlen]
	i = i + 2 + rlen
	slen := int(der[i+1])
	sbytes := der[i+2 : i+2+slen]

	r = leftPad32(rbytes)
	s = leftPad32(sbytes)
	return r, s
}

func leftPad32(b []byte) []byte {
	// DER integers may carry a leading 0x00 to keep the high bit clear;
	// strip it before padding back to 32 bytes.
	for len(b) > 32 && b[0] == 0x00 {
		b = b[1:]
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

// parseCompactSignature reconstructs a DER-encoded ecdsa.Signature from
// the fixed 64-byte R||S encoding used on the wire.
func parseCompactSignature(b []byte) (*ecdsa.Signature, error) {
	der := encodeDER(b[0:32], b[32:64])
	return ecdsa.ParseDERSignature(der)
}

// encodeDER builds a minimal DER SEQUENCE{INTEGER r, INTEGER s} from two
// 32-byte big-endian values, re-adding the leading zero byte DER
// requires whenever the high bit of the value is set.
func encodeDER(r, s []byte) []byte {
	encodeInt := func(v []byte) []byte {
		for len(v) > 1 && v[0] == 0x00 && v[1] < 0x80 {
			v = v[1:]
		}
		if v[0]&0x80 != 0 {
			v = append([]byte{0x00}, v...)
		}
		return append([]byte{0x02, byte(len(v))}, v...)
	}

	rEnc := encodeInt(r)
	sEnc := encodeInt(s)
	body := append(append([]byte{}, rEnc...), sEnc...)
	return append([]byte{0x30, byte(len(body))}, body...)
}
