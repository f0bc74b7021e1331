// Package statetest holds behaviour checks shared by every state.Store driver.
package statetest

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/evm-coprocessor/internal/state"
)

// Exercise runs the driver-independent checks against s, which must hold state.Defaults().
func Exercise(t *testing.T, s state.Store) {
	t.Helper()
	ctx := context.Background()

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Config.Network != state.DefaultNetwork || got.Config.KeyName != state.DefaultKeyName {
		t.Fatalf("defaults: got network=%q key=%q", got.Config.Network, got.Config.KeyName)
	}
	if got.State.BlockCursor != state.DefaultStartBlock || got.State.Nonce != 0 {
		t.Fatalf("defaults: got cursor=%d nonce=%d", got.State.BlockCursor, got.State.Nonce)
	}
	if got.Config.WatchedContract != nil || len(got.State.PublicKey) != 0 || got.State.DerivedAddress != "" {
		t.Fatalf("defaults: expected unset contract and key, got %+v", got)
	}

	contract := common.HexToAddress("0x00000000000000000000000000000000000000c0")
	pub := bytes.Repeat([]byte{0x04}, 65)
	const addr = "0x00000000000000000000000000000000000000aA"

	if _, err := s.Mutate(ctx, func(sn *state.Snapshot) error {
		sn.Config.WatchedContract = &contract
		sn.State.PublicKey = pub
		sn.State.DerivedAddress = addr
		return nil
	}); err != nil {
		t.Fatalf("Mutate set: %v", err)
	}

	got, err = s.Load(ctx)
	if err != nil {
		t.Fatalf("Load #2: %v", err)
	}
	if got.Config.WatchedContract == nil || *got.Config.WatchedContract != contract {
		t.Fatalf("contract: got %v want %s", got.Config.WatchedContract, contract)
	}
	if !bytes.Equal(got.State.PublicKey, pub) || got.State.DerivedAddress != addr {
		t.Fatalf("key: got pub=%x addr=%q", got.State.PublicKey, got.State.DerivedAddress)
	}

	// A failing mutation leaves the row untouched.
	boom := errors.New("boom")
	if _, err := s.Mutate(ctx, func(sn *state.Snapshot) error {
		sn.State.BlockCursor += 100
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	invariantCases := []struct {
		name string
		fn   func(*state.Snapshot)
	}{
		{name: "cursor decrease", fn: func(sn *state.Snapshot) { sn.State.BlockCursor-- }},
		{name: "nonce skip", fn: func(sn *state.Snapshot) { sn.State.Nonce += 2 }},
		{name: "key replace", fn: func(sn *state.Snapshot) { sn.State.PublicKey = bytes.Repeat([]byte{0x05}, 65) }},
		{name: "address replace", fn: func(sn *state.Snapshot) { sn.State.DerivedAddress = "0x01" }},
	}
	for _, tc := range invariantCases {
		if _, err := s.Mutate(ctx, func(sn *state.Snapshot) error { tc.fn(sn); return nil }); !errors.Is(err, state.ErrInvariant) {
			t.Fatalf("%s: expected ErrInvariant, got %v", tc.name, err)
		}
	}

	after, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load #3: %v", err)
	}
	if after.State.BlockCursor != got.State.BlockCursor || after.State.Nonce != got.State.Nonce {
		t.Fatalf("rejected mutations leaked: before=%+v after=%+v", got.State, after.State)
	}

	// Concurrent nonce increments are serialized.
	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Mutate(ctx, func(sn *state.Snapshot) error {
				sn.State.Nonce++
				return nil
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Mutate: %v", err)
		}
	}

	final, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load #4: %v", err)
	}
	if final.State.Nonce != n {
		t.Fatalf("nonce: got %d want %d", final.State.Nonce, n)
	}
}
