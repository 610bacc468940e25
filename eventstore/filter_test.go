package eventstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crosstownnet/crosstown/signedevent"
)

func TestFilterIsEmptyMatchesEverything(t *testing.T) {
	f := &Filter{}
	require.True(t, f.IsEmpty())
	require.True(t, Matches(f, &signedevent.SignedEvent{ID: "aa", Kind: 1}))
}

func TestFilterMatchesKindsAndAuthorsAndHexPrefix(t *testing.T) {
	e := &signedevent.SignedEvent{
		ID:     "abcdef0000000000000000000000000000000000000000000000000000000",
		Pubkey: "1234560000000000000000000000000000000000000000000000000000000",
		Kind:   1,
	}

	require.True(t, Matches(&Filter{Kinds: []int{1, 2}}, e))
	require.False(t, Matches(&Filter{Kinds: []int{2}}, e))

	require.True(t, Matches(&Filter{Authors: []string{"123456"}}, e))
	require.False(t, Matches(&Filter{Authors: []string{"deadbeef"}}, e))

	require.True(t, Matches(&Filter{IDs: []string{"ABCDEF"}}, e))
}

func TestFilterMatchesSinceAndUntil(t *testing.T) {
	e := &signedevent.SignedEvent{CreatedAt: 100}

	since := int64(50)
	until := int64(150)
	require.True(t, Matches(&Filter{Since: &since, Until: &until}, e))

	tooOld := int64(200)
	require.False(t, Matches(&Filter{Since: &tooOld}, e))

	tooNew := int64(50)
	require.False(t, Matches(&Filter{Until: &tooNew}, e))
}

func TestFilterMatchesTags(t *testing.T) {
	e := &signedevent.SignedEvent{
		Tags: [][]string{{"d", "profile"}, {"e", "abc"}},
	}

	require.True(t, Matches(&Filter{Tags: map[string][]string{"d": {"profile", "other"}}}, e))
	require.False(t, Matches(&Filter{Tags: map[string][]string{"d": {"other"}}}, e))
	require.False(t, Matches(&Filter{Tags: map[string][]string{"p": {"anything"}}}, e))
}

func TestMatchesAnyIsOrAcrossFilters(t *testing.T) {
	e := &signedevent.SignedEvent{Kind: 5}

	filters := []*Filter{
		{Kinds: []int{1}},
		{Kinds: []int{5}},
	}
	require.True(t, MatchesAny(filters, e))
	require.False(t, MatchesAny([]*Filter{{Kinds: []int{1}}}, e))
}
