package pricing

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/crosstownnet/crosstown/signedevent"
)

func signedNote(t *testing.T, priv *btcec.PrivateKey, content string) *signedevent.SignedEvent {
	t.Helper()
	e := &signedevent.SignedEvent{
		CreatedAt: time.Now().Unix(),
		Kind:      signedevent.KindNote,
		Tags:      [][]string{},
		Content:   content,
	}
	require.NoError(t, signedevent.Sign(e, priv))
	return e
}

func TestPriceUsesConfiguredKindRow(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	e := signedNote(t, priv, "hello")

	policy := NewPolicy(
		map[int]KindRow{signedevent.KindNote: {Base: 10, PerByte: 2}},
		KindRow{Base: 1, PerByte: 1},
		nil, nil,
	)

	encoded, err := signedevent.Encode(e)
	require.NoError(t, err)

	price, err := policy.Price(e)
	require.NoError(t, err)
	require.Equal(t, 10+2*int64(len(encoded)), price)
}

func TestPriceFallsBackToDefaultRowForUnconfiguredKind(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	e := signedNote(t, priv, "hello")

	policy := NewPolicy(nil, KindRow{Base: 5, PerByte: 1}, nil, nil)

	encoded, err := signedevent.Encode(e)
	require.NoError(t, err)

	price, err := policy.Price(e)
	require.NoError(t, err)
	require.Equal(t, 5+int64(len(encoded)), price)
}

func TestPriceBypassesOwnerPubkeys(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	e := signedNote(t, priv, "hello")

	policy := NewPolicy(nil, KindRow{Base: 100, PerByte: 100}, []string{e.Pubkey}, nil)

	price, err := policy.Price(e)
	require.NoError(t, err)
	require.Equal(t, int64(0), price)
}

func TestPriceDoesNotBypassNonOwnerPubkeys(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	e := signedNote(t, priv, "hello")

	other, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	otherEvent := signedNote(t, other, "hello")

	policy := NewPolicy(nil, KindRow{Base: 100, PerByte: 1}, []string{otherEvent.Pubkey}, nil)

	price, err := policy.Price(e)
	require.NoError(t, err)
	require.NotEqual(t, int64(0), price)
}

func TestIsFreeHandshakeKind(t *testing.T) {
	policy := NewPolicy(nil, KindRow{}, nil,
		[]int{signedevent.KindHandshakeRequest, signedevent.KindHandshakeResponse})

	require.True(t, policy.IsFreeHandshakeKind(signedevent.KindHandshakeRequest))
	require.True(t, policy.IsFreeHandshakeKind(signedevent.KindHandshakeResponse))
	require.False(t, policy.IsFreeHandshakeKind(signedevent.KindNote))
}

func TestPriceStillComputesFullPriceForHandshakeKindsRegardlessOfFreeList(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	e := &signedevent.SignedEvent{
		CreatedAt: time.Now().Unix(),
		Kind:      signedevent.KindHandshakeRequest,
		Tags:      [][]string{},
		Content:   "{}",
	}
	require.NoError(t, signedevent.Sign(e, priv))

	policy := NewPolicy(
		map[int]KindRow{signedevent.KindHandshakeRequest: {Base: 50, PerByte: 1}},
		KindRow{}, nil, []int{signedevent.KindHandshakeRequest},
	)

	price, err := policy.Price(e)
	require.NoError(t, err)
	require.True(t, price >= 50, "Price must not waive handshake kinds itself; only the BLS handler's amount==0 check does")
}
