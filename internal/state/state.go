package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidInput = errors.New("state: invalid input")
	ErrInvariant    = errors.New("state: invariant violation")
	ErrNotFound     = errors.New("state: not found")
)

const (
	DefaultNetwork    = "EthSepolia"
	DefaultKeyName    = "dfx_test_key_1"
	DefaultStartBlock = 5552046
)

// Config is the operator-controlled part of the singleton.
type Config struct {
	WatchedContract *common.Address
	Network         string
	KeyName         string
}

// State is the pipeline-controlled part of the singleton.
//
// PublicKey and DerivedAddress are written once at startup. BlockCursor is owned by the log sync
// loop and Nonce by the submitter; neither ever decreases.
type State struct {
	PublicKey      []byte
	DerivedAddress string
	BlockCursor    uint64
	Nonce          uint64
}

type Snapshot struct {
	Config Config
	State  State
}

// Clone returns a deep copy so callers can mutate it without aliasing the store.
func (s Snapshot) Clone() Snapshot {
	out := s
	if s.Config.WatchedContract != nil {
		a := *s.Config.WatchedContract
		out.Config.WatchedContract = &a
	}
	if s.State.PublicKey != nil {
		out.State.PublicKey = append([]byte(nil), s.State.PublicKey...)
	}
	return out
}

// Store persists the singleton.
//
// Mutate is the only write path: fn receives a private copy of the current snapshot, and the edited
// copy is committed atomically only when fn returns nil and ValidateTransition accepts it.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Mutate(ctx context.Context, fn func(*Snapshot) error) (Snapshot, error)
}

// Defaults returns the snapshot written on first start.
func Defaults() Snapshot {
	return Snapshot{
		Config: Config{
			Network: DefaultNetwork,
			KeyName: DefaultKeyName,
		},
		State: State{
			BlockCursor: DefaultStartBlock,
		},
	}
}

// ValidateTransition rejects any change that would break the singleton's invariants.
func ValidateTransition(prev, next Snapshot) error {
	if next.Config.Network == "" || next.Config.KeyName == "" {
		return fmt.Errorf("%w: network and key name must be set", ErrInvalidInput)
	}
	if next.State.BlockCursor < prev.State.BlockCursor {
		return fmt.Errorf("%w: block cursor decreased from %d to %d", ErrInvariant, prev.State.BlockCursor, next.State.BlockCursor)
	}
	if next.State.Nonce < prev.State.Nonce {
		return fmt.Errorf("%w: nonce decreased from %d to %d", ErrInvariant, prev.State.Nonce, next.State.Nonce)
	}
	if next.State.Nonce > prev.State.Nonce+1 {
		return fmt.Errorf("%w: nonce advanced by more than one (%d -> %d)", ErrInvariant, prev.State.Nonce, next.State.Nonce)
	}
	if len(prev.State.PublicKey) > 0 && !bytes.Equal(prev.State.PublicKey, next.State.PublicKey) {
		return fmt.Errorf("%w: public key is immutable once set", ErrInvariant)
	}
	if prev.State.DerivedAddress != "" && prev.State.DerivedAddress != next.State.DerivedAddress {
		return fmt.Errorf("%w: derived address is immutable once set", ErrInvariant)
	}
	if (len(next.State.PublicKey) > 0) != (next.State.DerivedAddress != "") {
		return fmt.Errorf("%w: public key and derived address must be set together", ErrInvariant)
	}
	return nil
}

// Apply runs fn against a copy of prev and validates the result. Drivers share it so every backend
// enforces identical rules.
func Apply(prev Snapshot, fn func(*Snapshot) error) (Snapshot, error) {
	if fn == nil {
		return Snapshot{}, fmt.Errorf("%w: nil mutation", ErrInvalidInput)
	}
	next := prev.Clone()
	if err := fn(&next); err != nil {
		return Snapshot{}, err
	}
	if err := ValidateTransition(prev, next); err != nil {
		return Snapshot{}, err
	}
	return next, nil
}
