// Package pricing implements the Pricing Service of spec.md §4.4: a pure
// function of a SignedEvent's kind and encoded size to a non-negative
// integer price.
package pricing

import (
	"errors"
	"fmt"

	"github.com/crosstownnet/crosstown/signedevent"
)

// KindRow is one configured (base, perByte) pricing row for a kind.
type KindRow struct {
	Base    int64
	PerByte int64
}

// Policy is the configured pricing table, spec.md §4.4 / §6.6.
type Policy struct {
	rows        map[int]KindRow
	defaultRow  KindRow
	ownerBypass map[string]struct{}

	// freeHandshakeKinds lists kinds that may be priced at zero under
	// the handshake policy, spec.md §9 ("Handshake carried on the data
	// plane"). Pricing itself still returns the full computed price for
	// these kinds; it is the BLS handler's job to waive payment only
	// when amount == 0 and the kind is on this list (see bls.Handler).
	freeHandshakeKinds map[int]struct{}
}

// NewPolicy builds a Policy from configured rows. defaultRow is used for
// any kind not present in rows.
func NewPolicy(rows map[int]KindRow, defaultRow KindRow, ownerBypass []string, freeHandshakeKinds []int) *Policy {
	bypass := make(map[string]struct{}, len(ownerBypass))
	for _, pk := range ownerBypass {
		bypass[pk] = struct{}{}
	}
	handshake := make(map[int]struct{}, len(freeHandshakeKinds))
	for _, k := range freeHandshakeKinds {
		handshake[k] = struct{}{}
	}
	return &Policy{
		rows:               rows,
		defaultRow:         defaultRow,
		ownerBypass:        bypass,
		freeHandshakeKinds: handshake,
	}
}

// ErrInvalidEvent is returned when price cannot be computed because the
// event fails basic structural checks (i.e. it cannot be encoded).
var ErrInvalidEvent = errors.New("INVALID_EVENT")

// Price computes price(e) = base(kind) + perByte(kind) * size(encode(e)),
// spec.md §4.4. Owner-bypass pubkeys always price to zero.
func (p *Policy) Price(e *signedevent.SignedEvent) (int64, error) {
	if _, bypass := p.ownerBypass[e.Pubkey]; bypass {
		return 0, nil
	}

	encoded, err := signedevent.Encode(e)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	row, ok := p.rows[e.Kind]
	if !ok {
		row = p.defaultRow
	}

	return row.Base + row.PerByte*int64(len(encoded)), nil
}

// IsFreeHandshakeKind reports whether kind is configured to accept
// amount=0 packets under the bootstrap handshake policy, spec.md §9.
func (p *Policy) IsFreeHandshakeKind(kind int) bool {
	_, ok := p.freeHandshakeKinds[kind]
	return ok
}
