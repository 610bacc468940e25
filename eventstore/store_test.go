package eventstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/crosstownnet/crosstown/signedevent"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func signedEvent(t *testing.T, priv *btcec.PrivateKey, kind int, createdAt int64, tags [][]string, content string) *signedevent.SignedEvent {
	t.Helper()
	if tags == nil {
		tags = [][]string{}
	}
	e := &signedevent.SignedEvent{
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	require.NoError(t, signedevent.Sign(e, priv))
	return e
}

func TestPutAndGetRoundTrip(t *testing.T) {
	store := NewStore(newTestDB(t), nil)
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	e := signedEvent(t, priv, signedevent.KindNote, time.Now().Unix(), nil, "hello")
	result, err := store.Put(e)
	require.NoError(t, err)
	require.True(t, result.Stored)

	got, err := store.Get(e.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, e.Content, got.Content)
}

func TestPutIsIdempotentOnDuplicateID(t *testing.T) {
	store := NewStore(newTestDB(t), nil)
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	e := signedEvent(t, priv, signedevent.KindNote, time.Now().Unix(), nil, "hello")
	_, err = store.Put(e)
	require.NoError(t, err)

	result, err := store.Put(e)
	require.NoError(t, err)
	require.False(t, result.Stored)
}

func TestPutRejectsInvalidSignature(t *testing.T) {
	store := NewStore(newTestDB(t), nil)
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	e := signedEvent(t, priv, signedevent.KindNote, time.Now().Unix(), nil, "hello")
	e.Content = "tampered"

	_, err = store.Put(e)
	require.ErrorIs(t, err, signedevent.ErrInvalidEvent)
}

func TestPutNeverPersistsEphemeralEvents(t *testing.T) {
	var notified []*signedevent.SignedEvent
	store := NewStore(newTestDB(t), func(e *signedevent.SignedEvent) {
		notified = append(notified, e)
	})
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	e := signedEvent(t, priv, signedevent.KindHandshakeRequest, time.Now().Unix(), nil, "{}")
	result, err := store.Put(e)
	require.NoError(t, err)
	require.False(t, result.Stored)

	got, err := store.Get(e.ID)
	require.NoError(t, err)
	require.Nil(t, got)
	require.Empty(t, notified)
}

func TestPutNotifiesOnlyWhenStored(t *testing.T) {
	var notified []*signedevent.SignedEvent
	store := NewStore(newTestDB(t), func(e *signedevent.SignedEvent) {
		notified = append(notified, e)
	})
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	e := signedEvent(t, priv, signedevent.KindNote, time.Now().Unix(), nil, "hello")
	_, err = store.Put(e)
	require.NoError(t, err)
	require.Len(t, notified, 1)

	_, err = store.Put(e)
	require.NoError(t, err)
	require.Len(t, notified, 1)
}

func TestPutReplaceableEventSupersedesOlder(t *testing.T) {
	store := NewStore(newTestDB(t), nil)
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	now := time.Now().Unix()
	older := signedEvent(t, priv, signedevent.KindPeerInfo, now, nil, "v1")
	_, err = store.Put(older)
	require.NoError(t, err)

	newer := signedEvent(t, priv, signedevent.KindPeerInfo, now+10, nil, "v2")
	result, err := store.Put(newer)
	require.NoError(t, err)
	require.True(t, result.Stored)
	require.Contains(t, result.ReplacedIDs, older.ID)

	got, err := store.Get(older.ID)
	require.NoError(t, err)
	require.Nil(t, got)

	got, err = store.Get(newer.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestPutReplaceableEventRejectsOlderArrivingLate(t *testing.T) {
	store := NewStore(newTestDB(t), nil)
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	now := time.Now().Unix()
	newer := signedEvent(t, priv, signedevent.KindPeerInfo, now, nil, "v2")
	_, err = store.Put(newer)
	require.NoError(t, err)

	older := signedEvent(t, priv, signedevent.KindPeerInfo, now-10, nil, "v1")
	result, err := store.Put(older)
	require.NoError(t, err)
	require.False(t, result.Stored)

	got, err := store.Get(newer.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestPutAddressableEventScopesByDTag(t *testing.T) {
	store := NewStore(newTestDB(t), nil)
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	now := time.Now().Unix()
	a1 := signedEvent(t, priv, signedevent.AddressableKindLow, now, [][]string{{"d", "a"}}, "a-v1")
	_, err = store.Put(a1)
	require.NoError(t, err)

	b1 := signedEvent(t, priv, signedevent.AddressableKindLow, now, [][]string{{"d", "b"}}, "b-v1")
	_, err = store.Put(b1)
	require.NoError(t, err)

	a2 := signedEvent(t, priv, signedevent.AddressableKindLow, now+5, [][]string{{"d", "a"}}, "a-v2")
	result, err := store.Put(a2)
	require.NoError(t, err)
	require.True(t, result.Stored)
	require.Equal(t, []string{a1.ID}, result.ReplacedIDs)

	got, err := store.Get(b1.ID)
	require.NoError(t, err)
	require.NotNil(t, got, "b's slot must be untouched by a's replacement")
}

func TestDeleteOnlyRemovesWhenAuthorMatches(t *testing.T) {
	store := NewStore(newTestDB(t), nil)
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	e := signedEvent(t, priv, signedevent.KindNote, time.Now().Unix(), nil, "hello")
	_, err = store.Put(e)
	require.NoError(t, err)

	deleted, err := store.Delete(e.ID, "not-the-author")
	require.NoError(t, err)
	require.False(t, deleted)

	deleted, err = store.Delete(e.ID, e.Pubkey)
	require.NoError(t, err)
	require.True(t, deleted)

	got, err := store.Get(e.ID)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestQueryUnionsFiltersAndDedupes(t *testing.T) {
	store := NewStore(newTestDB(t), nil)
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	now := time.Now().Unix()
	note := signedEvent(t, priv, signedevent.KindNote, now, nil, "note")
	_, err = store.Put(note)
	require.NoError(t, err)

	other := signedEvent(t, priv, signedevent.KindFollowList, now+1, nil, "follows")
	_, err = store.Put(other)
	require.NoError(t, err)

	results, err := store.Query([]*Filter{
		{Kinds: []int{signedevent.KindNote}},
		{Authors: []string{note.Pubkey}},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, other.ID, results[0].ID, "newest created_at sorts first")
}

func TestQueryAppliesPerFilterLimit(t *testing.T) {
	store := NewStore(newTestDB(t), nil)
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	now := time.Now().Unix()
	for i := 0; i < 3; i++ {
		e := signedEvent(t, priv, signedevent.KindNote, now+int64(i), nil, "note")
		_, err := store.Put(e)
		require.NoError(t, err)
	}

	limit := 1
	results, err := store.Query([]*Filter{{Kinds: []int{signedevent.KindNote}, Limit: &limit}})
	require.NoError(t, err)
	require.Len(t, results, 1)
}
