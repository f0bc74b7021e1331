package eth

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/evm-coprocessor/internal/evmrpc"
	"github.com/juno-intents/evm-coprocessor/internal/state"
	"github.com/juno-intents/evm-coprocessor/internal/txarchive"
)

type fakeSender struct {
	status evmrpc.SendStatus
	err    error

	gotNetwork evmrpc.Network
	gotHex     string
	calls      int
}

func (f *fakeSender) SendRawTransaction(_ context.Context, network evmrpc.Network, signedHex string) (evmrpc.SendStatus, error) {
	f.calls++
	f.gotNetwork = network
	f.gotHex = signedHex
	return f.status, f.err
}

type recordingArchive struct {
	recs []txarchive.Record
	err  error
}

func (a *recordingArchive) Put(_ context.Context, rec txarchive.Record) error {
	a.recs = append(a.recs, rec)
	return a.err
}

func storeWithNonce(t *testing.T, nonce uint64) *state.MemoryStore {
	t.Helper()
	snap := state.Defaults()
	snap.State.Nonce = nonce
	return state.NewMemoryStore(snap)
}

func signedAt(nonce uint64) SignedTx {
	return SignedTx{
		Raw:     []byte{0x02, 0x01},
		Hex:     "0x0201",
		Hash:    common.HexToHash("0x01"),
		Nonce:   nonce,
		ChainID: big.NewInt(11155111),
		To:      common.HexToAddress("0xc0"),
	}
}

func loadNonce(t *testing.T, s state.Store) uint64 {
	t.Helper()
	snap, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return snap.State.Nonce
}

func TestSubmitter_AcceptedAdvancesNonce(t *testing.T) {
	t.Parallel()

	store := storeWithNonce(t, 4)
	rpc := &fakeSender{status: evmrpc.Accepted}
	arch := &recordingArchive{}
	s, err := NewSubmitter(rpc, store, WithArchive(arch))
	if err != nil {
		t.Fatalf("NewSubmitter: %v", err)
	}

	status, err := s.Submit(context.Background(), evmrpc.EthSepolia, signedAt(4))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if status != evmrpc.Accepted {
		t.Fatalf("status: got %s", status)
	}
	if got := loadNonce(t, store); got != 5 {
		t.Fatalf("nonce: got %d want 5", got)
	}
	if rpc.gotNetwork != evmrpc.EthSepolia || rpc.gotHex != "0x0201" {
		t.Fatalf("unexpected send: network=%s hex=%s", rpc.gotNetwork, rpc.gotHex)
	}
	if len(arch.recs) != 1 || arch.recs[0].Status != "accepted" || arch.recs[0].Nonce != 4 || arch.recs[0].ChainID != "11155111" {
		t.Fatalf("archive: got %+v", arch.recs)
	}
}

func TestSubmitter_RejectionsLeaveNonce(t *testing.T) {
	t.Parallel()

	for _, st := range []evmrpc.SendStatus{evmrpc.NonceTooLow, evmrpc.NonceTooHigh, evmrpc.InsufficientFunds} {
		st := st
		t.Run(st.String(), func(t *testing.T) {
			t.Parallel()
			store := storeWithNonce(t, 9)
			s, err := NewSubmitter(&fakeSender{status: st}, store)
			if err != nil {
				t.Fatalf("NewSubmitter: %v", err)
			}
			got, err := s.Submit(context.Background(), evmrpc.EthSepolia, signedAt(9))
			if !errors.Is(err, ErrRejected) {
				t.Fatalf("expected ErrRejected, got %v", err)
			}
			if got != st {
				t.Fatalf("status: got %s want %s", got, st)
			}
			if n := loadNonce(t, store); n != 9 {
				t.Fatalf("nonce: got %d want 9", n)
			}
		})
	}
}

func TestSubmitter_CollaboratorErrorLeavesNonce(t *testing.T) {
	t.Parallel()

	store := storeWithNonce(t, 2)
	arch := &recordingArchive{}
	s, err := NewSubmitter(&fakeSender{err: evmrpc.ErrInconsistent}, store, WithArchive(arch))
	if err != nil {
		t.Fatalf("NewSubmitter: %v", err)
	}
	if _, err := s.Submit(context.Background(), evmrpc.EthSepolia, signedAt(2)); !errors.Is(err, evmrpc.ErrInconsistent) {
		t.Fatalf("expected ErrInconsistent, got %v", err)
	}
	if n := loadNonce(t, store); n != 2 {
		t.Fatalf("nonce: got %d want 2", n)
	}
	if len(arch.recs) != 0 {
		t.Fatalf("expected no archive on transport error, got %d", len(arch.recs))
	}
}

func TestSubmitter_StaleNonceIsInvariantViolation(t *testing.T) {
	t.Parallel()

	store := storeWithNonce(t, 6)
	s, err := NewSubmitter(&fakeSender{status: evmrpc.Accepted}, store)
	if err != nil {
		t.Fatalf("NewSubmitter: %v", err)
	}
	if _, err := s.Submit(context.Background(), evmrpc.EthSepolia, signedAt(5)); !errors.Is(err, state.ErrInvariant) {
		t.Fatalf("expected ErrInvariant, got %v", err)
	}
	if n := loadNonce(t, store); n != 6 {
		t.Fatalf("nonce: got %d want 6", n)
	}
}

func TestSubmitter_ArchiveFailureDoesNotChangeOutcome(t *testing.T) {
	t.Parallel()

	store := storeWithNonce(t, 0)
	s, err := NewSubmitter(&fakeSender{status: evmrpc.Accepted}, store, WithArchive(&recordingArchive{err: errors.New("s3 down")}))
	if err != nil {
		t.Fatalf("NewSubmitter: %v", err)
	}
	if _, err := s.Submit(context.Background(), evmrpc.EthSepolia, signedAt(0)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if n := loadNonce(t, store); n != 1 {
		t.Fatalf("nonce: got %d want 1", n)
	}
}

func TestNewSubmitter_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewSubmitter(nil, state.NewMemoryStore(state.Defaults())); !errors.Is(err, ErrInvalidSubmitterConfig) {
		t.Fatalf("expected ErrInvalidSubmitterConfig, got %v", err)
	}
	if _, err := NewSubmitter(&fakeSender{}, nil); !errors.Is(err, ErrInvalidSubmitterConfig) {
		t.Fatalf("expected ErrInvalidSubmitterConfig, got %v", err)
	}
}
