package signedevent

import (
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

func samplePriv(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return priv
}

func sampleEvent(t *testing.T, kind int, createdAt int64, tags [][]string, content string) *SignedEvent {
	t.Helper()
	if tags == nil {
		tags = [][]string{}
	}
	e := &SignedEvent{
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	require.NoError(t, Sign(e, samplePriv(t)))
	return e
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	e := sampleEvent(t, 1, 1_700_000_000, [][]string{{"p", strings.Repeat("ab", 32)}}, "hi")

	encoded, err := Encode(e)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, e, decoded)
}

func TestEncodeIsDeterministic(t *testing.T) {
	e := sampleEvent(t, 1, 1_700_000_000, [][]string{{"d", "x"}}, "same every time")

	a, err := Encode(e)
	require.NoError(t, err)
	b, err := Encode(e)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestDecodeRejectsTruncated(t *testing.T) {
	e := sampleEvent(t, 1, 1_700_000_000, nil, "x")
	encoded, err := Encode(e)
	require.NoError(t, err)

	_, err = Decode(encoded[:len(encoded)-1])
	require.ErrorIs(t, err, ErrInvalidEvent)
}

func TestDecodeRejectsTrailingGarbage(t *testing.T) {
	e := sampleEvent(t, 1, 1_700_000_000, nil, "x")
	encoded, err := Encode(e)
	require.NoError(t, err)

	_, err = Decode(append(encoded, 0xff))
	require.ErrorIs(t, err, ErrInvalidEvent)
}

func TestDecodeNeverPanics(t *testing.T) {
	garbage := [][]byte{
		nil,
		{},
		{0x00},
		make([]byte, 10),
		make([]byte, 70),
	}
	for _, g := range garbage {
		_, err := Decode(g)
		require.Error(t, err)
	}
}

func TestEnvelopeBareForm(t *testing.T) {
	e := sampleEvent(t, 1, 1_700_000_000, nil, "bare")
	encoded, err := Encode(e)
	require.NoError(t, err)

	decoded, claim, err := DecodeEnvelope(encoded)
	require.NoError(t, err)
	require.Nil(t, claim)
	require.Equal(t, e, decoded)
}

func TestEnvelopeWithClaimSidecar(t *testing.T) {
	e := sampleEvent(t, 1, 1_700_000_000, nil, "with claim")
	claim := &ClaimSidecar{
		ChannelID: strings.Repeat("ab", 32),
		Nonce:     7,
		Amount:    "500",
		Signature: strings.Repeat("cd", 64),
	}

	enveloped, err := EncodeEnvelope(e, claim)
	require.NoError(t, err)

	decoded, decodedClaim, err := DecodeEnvelope(enveloped)
	require.NoError(t, err)
	require.Equal(t, e, decoded)
	require.Equal(t, claim, decodedClaim)
}

func TestVerifyAcceptsFreshEvent(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	e := sampleEvent(t, 1, now.Unix(), nil, "fresh")
	require.NoError(t, Verify(e, now))
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	e := sampleEvent(t, 1, now.Add(-time.Hour).Unix(), nil, "stale")
	err := Verify(e, now)
	require.ErrorIs(t, err, ErrInvalidEvent)
}

func TestVerifyRejectsTamperedContent(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	e := sampleEvent(t, 1, now.Unix(), nil, "original")
	e.Content = "tampered"
	err := Verify(e, now)
	require.ErrorIs(t, err, ErrInvalidEvent)
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	e := sampleEvent(t, 1, now.Unix(), nil, "x")

	sigBytes, err := hex.DecodeString(e.Sig)
	require.NoError(t, err)
	sigBytes[0] ^= 0xff
	e.Sig = hex.EncodeToString(sigBytes)

	err = Verify(e, now)
	require.ErrorIs(t, err, ErrInvalidEvent)
}

func TestDTagValue(t *testing.T) {
	e := &SignedEvent{Tags: [][]string{{"e", "ignored"}, {"d", "profile-1"}}}
	require.Equal(t, "profile-1", e.DTagValue())

	e2 := &SignedEvent{Tags: [][]string{{"e", "ignored"}}}
	require.Equal(t, "", e2.DTagValue())
}

func TestKindCategories(t *testing.T) {
	require.True(t, IsReplaceable(KindPeerInfo))
	require.True(t, IsEphemeral(KindHandshakeRequest))
	require.True(t, IsEphemeral(KindHandshakeResponse))
	require.False(t, IsReplaceable(KindNote))
	require.False(t, IsEphemeral(KindNote))
	require.True(t, IsAddressable(30001))
}
