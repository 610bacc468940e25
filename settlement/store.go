package settlement

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v4/pgxpool"
	_ "github.com/lib/pq"

	"github.com/crosstownnet/crosstown/internal/logging"
)

var log = logging.NewSubsystemLogger("SETL")

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store is the durable, Postgres-backed channel and claim ledger,
// spec.md §4.9. Runtime queries go through pgx's pooled driver; schema
// migrations go through golang-migrate, which needs its own
// database/sql driver (lib/pq) distinct from pgx — two drivers, two
// concerns, same database (see DESIGN.md).
type Store struct {
	pool *pgxpool.Pool
}

// ErrChannelNotFound is returned by Store lookups for an unknown channel
// id.
var ErrChannelNotFound = errors.New("channel not found")

// Open connects to the Postgres ledger at dsn and applies any pending
// migrations, mirroring channeldb.Open's "connect then migrate" shape.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if err := migrateUp(dsn); err != nil {
		return nil, fmt.Errorf("settlement schema migration failed: %w", err)
	}

	pool, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to settlement ledger: %w", err)
	}

	return &Store{pool: pool}, nil
}

func migrateUp(dsn string) error {
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("unable to open migration connection: %w", err)
	}
	defer sqlDB.Close()

	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("unable to init postgres migration driver: %w", err)
	}

	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("unable to read embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("unable to init migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}

	version, _, verErr := m.Version()
	if verErr == nil {
		log.Infof("settlement ledger at schema version %d", version)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// CreateChannel inserts a new channel record in the opening state.
func (s *Store) CreateChannel(ctx context.Context, ch Channel) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO channels
		(channel_id, chain, peer_address, local_address, token_address, deposit, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7);`,
		ch.ChannelID, ch.Chain, ch.PeerAddress, ch.LocalAddress, ch.TokenAddress,
		ch.Deposit, ch.State)
	if err != nil {
		return fmt.Errorf("unable to create channel: %w", err)
	}
	return nil
}

// GetChannel returns the channel record for channelID.
func (s *Store) GetChannel(ctx context.Context, channelID string) (*Channel, error) {
	var ch Channel
	row := s.pool.QueryRow(ctx, `SELECT channel_id, chain, peer_address, local_address,
		token_address, deposit, state FROM channels WHERE channel_id = $1;`, channelID)
	if err := row.Scan(&ch.ChannelID, &ch.Chain, &ch.PeerAddress, &ch.LocalAddress,
		&ch.TokenAddress, &ch.Deposit, &ch.State); err != nil {
		if errors.Is(err, sql.ErrNoRows) || err.Error() == "no rows in result set" {
			return nil, ErrChannelNotFound
		}
		return nil, fmt.Errorf("unable to load channel: %w", err)
	}
	return &ch, nil
}

// TransitionChannel updates a channel's state, enforcing the lifecycle
// rules of CanTransition.
func (s *Store) TransitionChannel(ctx context.Context, channelID string, to ChannelState) error {
	ch, err := s.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if !CanTransition(ch.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, ch.State, to)
	}

	_, err = s.pool.Exec(ctx, `UPDATE channels SET state = $1 WHERE channel_id = $2;`,
		to, channelID)
	if err != nil {
		return fmt.Errorf("unable to transition channel: %w", err)
	}
	return nil
}

// LastNonce returns the highest claim nonce recorded for (channelID,
// signer), or 0 if none has been recorded yet.
func (s *Store) LastNonce(ctx context.Context, channelID, signer string) (uint64, error) {
	var nonce uint64
	row := s.pool.QueryRow(ctx, `SELECT nonce FROM claims WHERE channel_id = $1 AND signer = $2;`,
		channelID, signer)
	if err := row.Scan(&nonce); err != nil {
		if errors.Is(err, sql.ErrNoRows) || err.Error() == "no rows in result set" {
			return 0, nil
		}
		return 0, fmt.Errorf("unable to load last nonce: %w", err)
	}
	return nonce, nil
}

// RecordClaim durably upserts the latest accepted claim for (channelID,
// signer). Callers must have already validated the claim with
// VerifyClaim against the nonce this method's caller fetched from
// LastNonce; RecordClaim itself does not re-check monotonicity beyond
// the unique constraint implied by its primary key, to keep the hot
// write path free of a second round trip.
func (s *Store) RecordClaim(ctx context.Context, signer string, claim SignedClaim) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO claims (channel_id, signer, nonce, amount, signature)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (channel_id, signer) DO UPDATE
		SET nonce = EXCLUDED.nonce, amount = EXCLUDED.amount, signature = EXCLUDED.signature;`,
		claim.ChannelID, signer, claim.Nonce, claim.Amount, claim.Signature)
	if err != nil {
		return fmt.Errorf("unable to record claim: %w", err)
	}
	return nil
}
