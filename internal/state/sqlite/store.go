// Package sqlite persists the coprocessor singleton in a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/evm-coprocessor/internal/state"

	_ "modernc.org/sqlite"
)

var ErrInvalidConfig = errors.New("state/sqlite: invalid config")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS coprocessor_state (
  id               INTEGER PRIMARY KEY CHECK (id = 1),
  watched_contract TEXT,
  network          TEXT NOT NULL,
  key_name         TEXT NOT NULL,
  public_key       BLOB,
  derived_address  TEXT,
  block_cursor     INTEGER NOT NULL CHECK (block_cursor >= 0),
  nonce            INTEGER NOT NULL CHECK (nonce >= 0),
  updated_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
//
// The pool is limited to a single connection, so Mutate calls in one process are serialized by the
// driver. Across processes sharing the file, Mutate holds the write lock from its first read.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidConfig)
	}
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("state/sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = FULL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("state/sqlite: set pragma %q: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("state/sqlite: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// dsn opens every transaction with BEGIN IMMEDIATE so a Mutate takes the write lock before it reads.
// Writers in other processes then wait out busy_timeout instead of failing a lock upgrade.
func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_txlock=immediate&_pragma=busy_timeout(5000)"
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Init inserts defaults when the singleton row is absent and leaves an existing row untouched.
func (s *Store) Init(ctx context.Context, defaults state.Snapshot) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := state.Apply(defaults, func(*state.Snapshot) error { return nil }); err != nil {
		return err
	}
	r, err := toRow(defaults)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO coprocessor_state (id, watched_contract, network, key_name, public_key, derived_address, block_cursor, nonce)
VALUES (1, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING;
`, r.contract, r.network, r.keyName, r.pubKey, r.address, r.cursor, r.nonce)
	if err != nil {
		return fmt.Errorf("state/sqlite: init: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context) (state.Snapshot, error) {
	if s == nil || s.db == nil {
		return state.Snapshot{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return scanSnapshot(s.db.QueryRowContext(ctx, selectSQL))
}

func (s *Store) Mutate(ctx context.Context, fn func(*state.Snapshot) error) (state.Snapshot, error) {
	if s == nil || s.db == nil {
		return state.Snapshot{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return state.Snapshot{}, fmt.Errorf("state/sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := scanSnapshot(tx.QueryRowContext(ctx, selectSQL))
	if err != nil {
		return state.Snapshot{}, err
	}
	next, err := state.Apply(prev, fn)
	if err != nil {
		return state.Snapshot{}, err
	}
	r, err := toRow(next)
	if err != nil {
		return state.Snapshot{}, err
	}
	_, err = tx.ExecContext(ctx, `
UPDATE coprocessor_state SET
  watched_contract = ?,
  network = ?,
  key_name = ?,
  public_key = ?,
  derived_address = ?,
  block_cursor = ?,
  nonce = ?,
  updated_at = CURRENT_TIMESTAMP
WHERE id = 1;
`, r.contract, r.network, r.keyName, r.pubKey, r.address, r.cursor, r.nonce)
	if err != nil {
		return state.Snapshot{}, fmt.Errorf("state/sqlite: update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return state.Snapshot{}, fmt.Errorf("state/sqlite: commit: %w", err)
	}
	return next, nil
}

const selectSQL = `
SELECT watched_contract, network, key_name, public_key, derived_address, block_cursor, nonce
FROM coprocessor_state WHERE id = 1;
`

type row struct {
	contract sql.NullString
	network  string
	keyName  string
	pubKey   []byte
	address  sql.NullString
	cursor   int64
	nonce    int64
}

func toRow(s state.Snapshot) (row, error) {
	if s.State.BlockCursor > math.MaxInt64 || s.State.Nonce > math.MaxInt64 {
		return row{}, fmt.Errorf("%w: counter exceeds integer range", state.ErrInvalidInput)
	}
	r := row{
		network: s.Config.Network,
		keyName: s.Config.KeyName,
		cursor:  int64(s.State.BlockCursor),
		nonce:   int64(s.State.Nonce),
	}
	if s.Config.WatchedContract != nil {
		r.contract = sql.NullString{String: s.Config.WatchedContract.Hex(), Valid: true}
	}
	if len(s.State.PublicKey) > 0 {
		r.pubKey = s.State.PublicKey
	}
	if s.State.DerivedAddress != "" {
		r.address = sql.NullString{String: s.State.DerivedAddress, Valid: true}
	}
	return r, nil
}

func scanSnapshot(sc interface{ Scan(dest ...any) error }) (state.Snapshot, error) {
	var r row
	switch err := sc.Scan(&r.contract, &r.network, &r.keyName, &r.pubKey, &r.address, &r.cursor, &r.nonce); {
	case errors.Is(err, sql.ErrNoRows):
		return state.Snapshot{}, state.ErrNotFound
	case err != nil:
		return state.Snapshot{}, fmt.Errorf("state/sqlite: load: %w", err)
	}

	out := state.Snapshot{
		Config: state.Config{Network: r.network, KeyName: r.keyName},
		State: state.State{
			BlockCursor:    uint64(r.cursor),
			Nonce:          uint64(r.nonce),
			DerivedAddress: r.address.String,
		},
	}
	if len(r.pubKey) > 0 {
		out.State.PublicKey = r.pubKey
	}
	if r.contract.Valid {
		if !common.IsHexAddress(r.contract.String) {
			return state.Snapshot{}, fmt.Errorf("state/sqlite: load: corrupt watched contract %q", r.contract.String)
		}
		a := common.HexToAddress(r.contract.String)
		out.Config.WatchedContract = &a
	}
	return out, nil
}
