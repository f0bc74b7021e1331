package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/juno-intents/evm-coprocessor/internal/state"
	"github.com/juno-intents/evm-coprocessor/internal/state/statetest"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestStore_Conformance(t *testing.T) {
	t.Parallel()

	s, _ := openTemp(t)
	if err := s.Init(context.Background(), state.Defaults()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	statetest.Exercise(t, s)
}

func TestStore_LoadBeforeInit(t *testing.T) {
	t.Parallel()

	s, _ := openTemp(t)
	if _, err := s.Load(context.Background()); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_ResumesAfterReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, path := openTemp(t)
	if err := s.Init(ctx, state.Defaults()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := s.Mutate(ctx, func(sn *state.Snapshot) error {
		sn.State.BlockCursor = 6_000_000
		sn.State.Nonce = 1
		return nil
	}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = s2.Close() })

	// A second Init must not reset the persisted counters.
	if err := s2.Init(ctx, state.Defaults()); err != nil {
		t.Fatalf("Init #2: %v", err)
	}
	got, err := s2.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.State.BlockCursor != 6_000_000 || got.State.Nonce != 1 {
		t.Fatalf("resume: got %+v", got.State)
	}
}

func TestOpen_RejectsEmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := Open("  "); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestDSN_UsesImmediateTransactions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		want string
	}{
		{"state.db", "state.db?_txlock=immediate&_pragma=busy_timeout(5000)"},
		{"file:state.db?mode=rwc", "file:state.db?mode=rwc&_txlock=immediate&_pragma=busy_timeout(5000)"},
	}
	for _, tc := range cases {
		if got := dsn(tc.path); got != tc.want {
			t.Fatalf("dsn(%q): got %q want %q", tc.path, got, tc.want)
		}
	}
}

func TestStore_ConcurrentWritersOnSharedFile(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, path := openTemp(t)
	if err := a.Init(ctx, state.Defaults()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	// A second handle on the same file stands in for another process.
	b, err := Open(path)
	if err != nil {
		t.Fatalf("Open #2: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	const perWriter = 25
	var wg sync.WaitGroup
	errs := make(chan error, 2*perWriter)
	for _, s := range []*Store{a, b} {
		wg.Add(1)
		go func(s *Store) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := s.Mutate(ctx, func(sn *state.Snapshot) error {
					sn.State.BlockCursor++
					return nil
				}); err != nil {
					errs <- err
					return
				}
			}
		}(s)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Mutate: %v", err)
	}

	got, err := a.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if want := uint64(state.DefaultStartBlock + 2*perWriter); got.State.BlockCursor != want {
		t.Fatalf("cursor: got %d want %d (lost updates)", got.State.BlockCursor, want)
	}
}
