package eventstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/crosstownnet/crosstown/signedevent"
)

// StoredEvent is a SignedEvent plus the receipt timestamp, spec.md §3. It
// is never mutated after insertion; callers always receive a copy.
type StoredEvent struct {
	signedevent.SignedEvent
	ReceivedAt int64 `json:"received_at"`
}

// PutResult is the outcome of Put, spec.md §4.2.
type PutResult struct {
	Stored      bool
	ReplacedIDs []string
}

// Store is the append-only, queryable StoredEvent log. Writes are
// serialized by writeMu, mirroring the single-logical-writer-lane policy
// of spec.md §5; the underlying *sql.DB is itself capped to one open
// connection (see Open), so writeMu mainly documents intent and avoids
// goroutines piling up waiting on the driver's own connection semaphore.
type Store struct {
	db      *DB
	writeMu sync.Mutex
	clock   clock.Clock

	notify func(*signedevent.SignedEvent)
}

// NewStore wraps an opened DB as a Store. notify, if non-nil, is called
// synchronously after every event that is actually persisted commits —
// the post-commit publisher hook the relay server's fan-out subscribes
// to, per the "store never calls back into BLS" design note (spec.md
// §9): the store only calls this single injected function, never back
// into BLS. The store's notion of "now" (used for the ±10 minute
// created_at acceptance window and received_at stamping) comes from
// lnd/clock.Clock rather than a bare time.Now reference, the same
// injectable-clock seam the teacher uses wherever a component needs a
// deterministic, fakeable notion of time under test.
func NewStore(db *DB, notify func(*signedevent.SignedEvent)) *Store {
	return &Store{
		db:     db,
		clock:  clock.NewDefaultClock(),
		notify: notify,
	}
}

// WithClock overrides s's clock, for tests that need to exercise the
// acceptance-window boundary deterministically instead of racing
// time.Now.
func (s *Store) WithClock(c clock.Clock) *Store {
	s.clock = c
	return s
}

// Put inserts e if it is new, applying the replaceable/ephemeral/
// addressable rules of spec.md §4.2. It rejects with
// signedevent.ErrInvalidEvent on bad signature/hash, and is idempotent on
// duplicate id.
func (s *Store) Put(e *signedevent.SignedEvent) (PutResult, error) {
	if err := signedevent.Verify(e, s.clock.Now()); err != nil {
		return PutResult{}, err
	}

	if signedevent.IsEphemeral(e.Kind) {
		return PutResult{Stored: false}, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, stored, err := s.putLocked(e)
	if err != nil {
		return PutResult{}, fmt.Errorf("%w: %v", ErrStore, err)
	}
	if stored && s.notify != nil {
		s.notify(e)
	}
	return result, nil
}

func (s *Store) putLocked(e *signedevent.SignedEvent) (PutResult, bool, error) {
	tx, err := s.db.sqlDB.Begin()
	if err != nil {
		return PutResult{}, false, err
	}
	defer tx.Rollback()

	var exists int
	row := tx.QueryRow(`SELECT COUNT(*) FROM events WHERE id = ?;`, e.ID)
	if err := row.Scan(&exists); err != nil {
		return PutResult{}, false, err
	}
	if exists > 0 {
		return PutResult{Stored: false}, false, tx.Commit()
	}

	var replacedIDs []string
	if signedevent.IsReplaceable(e.Kind) {
		replacedIDs, err = replaceOlder(tx, "pubkey = ? AND kind = ?", []interface{}{e.Pubkey, e.Kind}, e)
		if err != nil {
			return PutResult{}, false, err
		}
	} else if signedevent.IsAddressable(e.Kind) {
		dTag := e.DTagValue()
		replacedIDs, err = replaceOlder(tx, "pubkey = ? AND kind = ? AND d_tag_value = ?",
			[]interface{}{e.Pubkey, e.Kind, dTag}, e)
		if err != nil {
			return PutResult{}, false, err
		}
	}

	if replacedIDs == nil {
		// Neither rule superseded this event's slot outright; check
		// whether a same-identity newer event already won the slot
		// (replaceOlder returns nil, not []string{}, in that case —
		// see its doc comment).
		superseded, err := isSuperseded(tx, e)
		if err != nil {
			return PutResult{}, false, err
		}
		if superseded {
			return PutResult{Stored: false}, false, tx.Commit()
		}
	}

	tagsBlob, err := json.Marshal(e.Tags)
	if err != nil {
		return PutResult{}, false, err
	}

	_, err = tx.Exec(`INSERT INTO events
		(id, pubkey, kind, content, tags_blob, created_at, sig, received_at, d_tag_value)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.ID, e.Pubkey, e.Kind, e.Content, string(tagsBlob), e.CreatedAt, e.Sig,
		s.clock.Now().Unix(), e.DTagValue())
	if err != nil {
		return PutResult{}, false, err
	}

	if err := tx.Commit(); err != nil {
		return PutResult{}, false, err
	}

	return PutResult{Stored: true, ReplacedIDs: replacedIDs}, true, nil
}

// replaceOlder deletes the existing row(s) matching whereClause/args (the
// (pubkey,kind) or (pubkey,kind,d_tag_value) slot) that are strictly
// older than e, per spec.md §4.2's replaceable-event rule. If an existing
// row is instead newer than (or tied with, broken by lexicographically
// smaller id) e, replaceOlder deletes nothing and returns (nil, nil): the
// caller must then treat e as superseded rather than insert it — see
// isSuperseded. A non-nil, possibly empty, return means the slot was
// free to take.
func replaceOlder(tx *sql.Tx, whereClause string, args []interface{}, e *signedevent.SignedEvent) ([]string, error) {
	rows, err := tx.Query(`SELECT id, created_at FROM events WHERE `+whereClause+`;`, args...)
	if err != nil {
		return nil, err
	}
	type existing struct {
		id        string
		createdAt int64
	}
	var current []existing
	for rows.Next() {
		var ex existing
		if err := rows.Scan(&ex.id, &ex.createdAt); err != nil {
			rows.Close()
			return nil, err
		}
		current = append(current, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for _, ex := range current {
		if wins(e.CreatedAt, e.ID, ex.createdAt, ex.id) {
			continue
		}
		// ex is newer than (or canonically preferred over) e: the
		// slot is not free.
		return nil, nil
	}

	var deleted []string
	for _, ex := range current {
		if _, err := tx.Exec(`DELETE FROM events WHERE id = ?;`, ex.id); err != nil {
			return nil, err
		}
		deleted = append(deleted, ex.id)
	}
	if deleted == nil {
		deleted = []string{}
	}
	return deleted, nil
}

// isSuperseded reports whether e lost its slot. It is consulted after
// replaceOlder returned nil, which for replaceable/addressable kinds
// means a preferred event already holds the slot, so it reports true
// for those kinds; for regular kinds it always reports false.
func isSuperseded(tx *sql.Tx, e *signedevent.SignedEvent) (bool, error) {
	if !signedevent.IsReplaceable(e.Kind) && !signedevent.IsAddressable(e.Kind) {
		return false, nil
	}
	return true, nil
}

// wins reports whether (createdAtA, idA) should be preferred over
// (createdAtB, idB) under the replaceable-event ordering: newer
// created_at wins; ties are broken by the lexicographically smaller id,
// so that any two honest nodes processing the same pair converge on the
// same surviving event regardless of arrival order (an Open Question in
// spec.md §9 that this implementation resolves explicitly).
func wins(createdAtA int64, idA string, createdAtB int64, idB string) bool {
	if createdAtA != createdAtB {
		return createdAtA > createdAtB
	}
	return idA < idB
}

// Get returns the stored event with the given id, or (nil, nil) if none
// exists.
func (s *Store) Get(id string) (*StoredEvent, error) {
	row := s.db.sqlDB.QueryRow(`SELECT id, pubkey, kind, content, tags_blob,
		created_at, sig, received_at FROM events WHERE id = ?;`, id)
	se, err := scanStoredEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return se, nil
}

// Delete removes the event with the given id if its authored pubkey
// matches requesterPubkey, spec.md §4.2.
func (s *Store) Delete(id string, requesterPubkey string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.sqlDB.Exec(`DELETE FROM events WHERE id = ? AND pubkey = ?;`,
		id, requesterPubkey)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStore, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return n > 0, nil
}

// Query runs the union of filters against the store, ordered by
// created_at desc then id asc, applying each filter's limit
// independently before de-duplicating by id across all filters, per
// spec.md §4.2.
func (s *Store) Query(filters []*Filter) ([]*StoredEvent, error) {
	if len(filters) == 0 {
		return nil, nil
	}

	seen := make(map[string]struct{})
	var out []*StoredEvent

	rows, err := s.db.sqlDB.Query(`SELECT id, pubkey, kind, content, tags_blob,
		created_at, sig, received_at FROM events ORDER BY created_at DESC, id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	defer rows.Close()

	var all []*StoredEvent
	for rows.Next() {
		se, err := scanStoredEventRows(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStore, err)
		}
		all = append(all, se)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}

	for _, f := range filters {
		matched := 0
		limit := -1
		if f.Limit != nil {
			limit = *f.Limit
		}
		for _, se := range all {
			if limit >= 0 && matched >= limit {
				break
			}
			if !Matches(f, &se.SignedEvent) {
				continue
			}
			matched++
			if _, dup := seen[se.ID]; dup {
				continue
			}
			seen[se.ID] = struct{}{}
			out = append(out, se)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})

	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStoredEvent(row *sql.Row) (*StoredEvent, error) {
	return scanInto(row)
}

func scanStoredEventRows(rows *sql.Rows) (*StoredEvent, error) {
	return scanInto(rows)
}

func scanInto(r rowScanner) (*StoredEvent, error) {
	var (
		se        StoredEvent
		tagsBlob  string
	)
	if err := r.Scan(&se.ID, &se.Pubkey, &se.Kind, &se.Content, &tagsBlob,
		&se.CreatedAt, &se.Sig, &se.ReceivedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tagsBlob), &se.Tags); err != nil {
		return nil, fmt.Errorf("corrupt tags blob for event %s: %w", se.ID, err)
	}
	return &se, nil
}
