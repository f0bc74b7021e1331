package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/evm-coprocessor/internal/state"
)

var ErrInvalidConfig = errors.New("state/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("state/postgres: ensure schema: %w", err)
	}
	return nil
}

// Init writes defaults if the singleton row does not exist yet. An existing row is never touched,
// which is what lets a restarted process resume from its persisted cursor and nonce.
func (s *Store) Init(ctx context.Context, defaults state.Snapshot) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := state.Apply(defaults, func(*state.Snapshot) error { return nil }); err != nil {
		return err
	}
	row, err := toRow(defaults)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO coprocessor_state (id, watched_contract, network, key_name, public_key, derived_address, block_cursor, nonce)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, row.contract, row.network, row.keyName, row.pubKey, row.address, row.cursor, row.nonce)
	if err != nil {
		return fmt.Errorf("state/postgres: init: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context) (state.Snapshot, error) {
	if s == nil || s.pool == nil {
		return state.Snapshot{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return scanSnapshot(s.pool.QueryRow(ctx, selectSQL))
}

func (s *Store) Mutate(ctx context.Context, fn func(*state.Snapshot) error) (state.Snapshot, error) {
	if s == nil || s.pool == nil {
		return state.Snapshot{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return state.Snapshot{}, fmt.Errorf("state/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	prev, err := scanSnapshot(tx.QueryRow(ctx, selectSQL+" FOR UPDATE"))
	if err != nil {
		return state.Snapshot{}, err
	}
	next, err := state.Apply(prev, fn)
	if err != nil {
		return state.Snapshot{}, err
	}
	row, err := toRow(next)
	if err != nil {
		return state.Snapshot{}, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE coprocessor_state
		SET watched_contract = $1,
			network = $2,
			key_name = $3,
			public_key = $4,
			derived_address = $5,
			block_cursor = $6,
			nonce = $7,
			updated_at = now()
		WHERE id = 1
	`, row.contract, row.network, row.keyName, row.pubKey, row.address, row.cursor, row.nonce)
	if err != nil {
		return state.Snapshot{}, fmt.Errorf("state/postgres: update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return state.Snapshot{}, fmt.Errorf("state/postgres: commit: %w", err)
	}
	return next, nil
}

const selectSQL = `
	SELECT watched_contract, network, key_name, public_key, derived_address, block_cursor, nonce
	FROM coprocessor_state
	WHERE id = 1`

type dbRow struct {
	contract *string
	network  string
	keyName  string
	pubKey   []byte
	address  *string
	cursor   int64
	nonce    int64
}

func toRow(s state.Snapshot) (dbRow, error) {
	if s.State.BlockCursor > math.MaxInt64 || s.State.Nonce > math.MaxInt64 {
		return dbRow{}, fmt.Errorf("%w: counter exceeds bigint range", state.ErrInvalidInput)
	}
	r := dbRow{
		network: s.Config.Network,
		keyName: s.Config.KeyName,
		cursor:  int64(s.State.BlockCursor),
		nonce:   int64(s.State.Nonce),
	}
	if s.Config.WatchedContract != nil {
		v := s.Config.WatchedContract.Hex()
		r.contract = &v
	}
	if len(s.State.PublicKey) > 0 {
		r.pubKey = s.State.PublicKey
	}
	if s.State.DerivedAddress != "" {
		v := s.State.DerivedAddress
		r.address = &v
	}
	return r, nil
}

func scanSnapshot(row pgx.Row) (state.Snapshot, error) {
	var r dbRow
	err := row.Scan(&r.contract, &r.network, &r.keyName, &r.pubKey, &r.address, &r.cursor, &r.nonce)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return state.Snapshot{}, state.ErrNotFound
		}
		return state.Snapshot{}, fmt.Errorf("state/postgres: load: %w", err)
	}

	out := state.Snapshot{
		Config: state.Config{
			Network: r.network,
			KeyName: r.keyName,
		},
		State: state.State{
			PublicKey:   r.pubKey,
			BlockCursor: uint64(r.cursor),
			Nonce:       uint64(r.nonce),
		},
	}
	if r.contract != nil {
		if !common.IsHexAddress(*r.contract) {
			return state.Snapshot{}, fmt.Errorf("state/postgres: load: corrupt watched contract %q", *r.contract)
		}
		a := common.HexToAddress(*r.contract)
		out.Config.WatchedContract = &a
	}
	if r.address != nil {
		out.State.DerivedAddress = *r.address
	}
	return out, nil
}
