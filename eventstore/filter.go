// Filter matcher, spec.md §4.3. matches is a pure function; the only
// state it touches is the Filter and SignedEvent passed to it.
package eventstore

import (
	"strings"

	"github.com/crosstownnet/crosstown/signedevent"
)

// Filter is a subscription selector, spec.md §3. Tags holds the
// "#<single-char>" filters keyed by the tag name (a single rune), each
// mapping to the set of allowed tag values.
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Since   *int64
	Until   *int64
	Limit   *int
	Tags    map[string][]string
}

// IsEmpty reports whether f has no fields set, in which case it matches
// every event, spec.md §4.3.
func (f *Filter) IsEmpty() bool {
	if f == nil {
		return true
	}
	return len(f.IDs) == 0 && len(f.Authors) == 0 && len(f.Kinds) == 0 &&
		f.Since == nil && f.Until == nil && len(f.Tags) == 0
}

// Matches reports whether e satisfies every non-empty field of f. An
// empty filter matches every event. Hex-prefix matching (IDs, Authors) is
// case-insensitive and exact when the prefix is the full 64 hex
// characters.
func Matches(f *Filter, e *signedevent.SignedEvent) bool {
	if f.IsEmpty() {
		return true
	}

	if len(f.IDs) > 0 && !anyHexPrefixMatches(f.IDs, e.ID) {
		return false
	}
	if len(f.Authors) > 0 && !anyHexPrefixMatches(f.Authors, e.Pubkey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, e.Kind) {
		return false
	}
	if f.Since != nil && e.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && e.CreatedAt > *f.Until {
		return false
	}
	for name, allowed := range f.Tags {
		if !eventHasTag(e, name, allowed) {
			return false
		}
	}

	return true
}

// MatchesAny reports whether e satisfies at least one filter in fs — the
// OR semantics a Subscription's filter list has, spec.md §3/§4.3.
func MatchesAny(fs []*Filter, e *signedevent.SignedEvent) bool {
	for _, f := range fs {
		if Matches(f, e) {
			return true
		}
	}
	return false
}

func anyHexPrefixMatches(prefixes []string, value string) bool {
	lowerValue := strings.ToLower(value)
	for _, p := range prefixes {
		if strings.HasPrefix(lowerValue, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func containsInt(set []int, v int) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func eventHasTag(e *signedevent.SignedEvent, name string, allowed []string) bool {
	for _, tag := range e.Tags {
		if len(tag) < 2 {
			continue
		}
		if tag[0] != name {
			continue
		}
		for _, v := range allowed {
			if tag[1] == v {
				return true
			}
		}
	}
	return false
}
