package bls

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/crosstownnet/crosstown/eventstore"
	"github.com/crosstownnet/crosstown/pricing"
	"github.com/crosstownnet/crosstown/signedevent"
)

func newTestStore(t *testing.T) *eventstore.Store {
	t.Helper()
	dir := t.TempDir()
	db, err := eventstore.Open(filepath.Join(dir, "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return eventstore.NewStore(db, nil)
}

func signedNote(t *testing.T, content string) *signedevent.SignedEvent {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	e := &signedevent.SignedEvent{
		CreatedAt: time.Now().Unix(),
		Kind:      signedevent.KindNote,
		Tags:      [][]string{},
		Content:   content,
	}
	require.NoError(t, signedevent.Sign(e, priv))
	return e
}

func encodePacketData(t *testing.T, e *signedevent.SignedEvent) string {
	t.Helper()
	raw, err := signedevent.Encode(e)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func testPricer() *pricing.Policy {
	return pricing.NewPolicy(
		map[int]pricing.KindRow{signedevent.KindNote: {Base: 100, PerByte: 10}},
		pricing.KindRow{Base: 50, PerByte: 5},
		nil, nil,
	)
}

func TestHandlePacketAcceptsSufficientPayment(t *testing.T) {
	store := newTestStore(t)
	h := NewHandler(store, testPricer(), nil)

	e := signedNote(t, "hi")
	encoded, err := signedevent.Encode(e)
	require.NoError(t, err)
	price := int64(100 + 10*len(encoded))

	resp := h.Handle(PacketRequest{Amount: price, Data: encodePacketData(t, e)})
	require.True(t, resp.Accept)

	sum := sha256.Sum256([]byte(e.ID))
	require.Equal(t, hex.EncodeToString(sum[:]), resp.Fulfillment)

	stored, err := store.Get(e.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, e.Content, stored.Content)
}

func TestHandlePacketRejectsUnderpayment(t *testing.T) {
	store := newTestStore(t)
	h := NewHandler(store, testPricer(), nil)

	e := signedNote(t, "hi")
	resp := h.Handle(PacketRequest{Amount: 1, Data: encodePacketData(t, e)})
	require.False(t, resp.Accept)
	require.Equal(t, CodePriceTooLow, resp.Code)
	require.Greater(t, resp.Required, resp.Received)

	stored, err := store.Get(e.ID)
	require.NoError(t, err)
	require.Nil(t, stored)
}

func TestHandlePacketRejectsInvalidBase64(t *testing.T) {
	store := newTestStore(t)
	h := NewHandler(store, testPricer(), nil)

	resp := h.Handle(PacketRequest{Amount: 1000000, Data: "not-valid-base64!!"})
	require.False(t, resp.Accept)
	require.Equal(t, CodeInvalidData, resp.Code)
}

func TestHandlePacketRejectsBadSignature(t *testing.T) {
	store := newTestStore(t)
	h := NewHandler(store, testPricer(), nil)

	e := signedNote(t, "hi")
	e.Content = "tampered"

	resp := h.Handle(PacketRequest{Amount: 1000000, Data: encodePacketData(t, e)})
	require.False(t, resp.Accept)
	require.Equal(t, CodeInvalidData, resp.Code)
}

func TestHandlePacketIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	h := NewHandler(store, testPricer(), nil)

	e := signedNote(t, "hi")
	encoded, err := signedevent.Encode(e)
	require.NoError(t, err)
	price := int64(100 + 10*len(encoded))

	data := encodePacketData(t, e)
	first := h.Handle(PacketRequest{Amount: price, Data: data})
	require.True(t, first.Accept)

	second := h.Handle(PacketRequest{Amount: price, Data: data})
	require.True(t, second.Accept)
	require.Equal(t, first.Fulfillment, second.Fulfillment)
}

