package coprocessor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/juno-intents/evm-coprocessor/internal/eth"
	"github.com/juno-intents/evm-coprocessor/internal/evmrpc"
	"github.com/juno-intents/evm-coprocessor/internal/jobevents"
	"github.com/juno-intents/evm-coprocessor/internal/state"
)

const (
	hardhatKey0  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	hardhatKey1  = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	hardhatAddr0 = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

var testContract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

type getLogsCall struct {
	network evmrpc.Network
	addrs   []common.Address
	from    uint64
	to      evmrpc.BlockTag
}

type fakeLogs struct {
	mu    sync.Mutex
	calls []getLogsCall
	logs  []types.Log
	err   error
}

func (f *fakeLogs) GetLogs(_ context.Context, network evmrpc.Network, addrs []common.Address, from uint64, to evmrpc.BlockTag) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, getLogsCall{network: network, addrs: append([]common.Address(nil), addrs...), from: from, to: to})
	if f.err != nil {
		return nil, f.err
	}
	return append([]types.Log(nil), f.logs...), nil
}

func (f *fakeLogs) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeFees struct {
	err error
}

func (f *fakeFees) Estimate(_ context.Context, _ evmrpc.Network) (eth.Fees, error) {
	if f.err != nil {
		return eth.Fees{}, f.err
	}
	return eth.Fees{MaxPriorityFeePerGas: big.NewInt(100), MaxFeePerGas: big.NewInt(1100)}, nil
}

// fakeSender answers the i-th send with statuses[i] / errs[i], defaulting to Accepted.
type fakeSender struct {
	mu       sync.Mutex
	statuses []evmrpc.SendStatus
	errs     []error
	sent     []string
}

func (f *fakeSender) SendRawTransaction(_ context.Context, _ evmrpc.Network, signedHex string) (evmrpc.SendStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.sent)
	f.sent = append(f.sent, signedHex)
	if i < len(f.errs) && f.errs[i] != nil {
		return 0, f.errs[i]
	}
	if i < len(f.statuses) && f.statuses[i] != 0 {
		return f.statuses[i], nil
	}
	return evmrpc.Accepted, nil
}

func (f *fakeSender) sentTxs(t *testing.T) []*types.Transaction {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Transaction, 0, len(f.sent))
	for _, h := range f.sent {
		raw, err := hexutil.Decode(h)
		if err != nil {
			t.Fatalf("decode sent tx: %v", err)
		}
		var tx types.Transaction
		if err := tx.UnmarshalBinary(raw); err != nil {
			t.Fatalf("unmarshal sent tx: %v", err)
		}
		out = append(out, &tx)
	}
	return out
}

type fakeEvents struct {
	mu     sync.Mutex
	events []jobevents.Event
}

func (f *fakeEvents) Publish(_ context.Context, ev jobevents.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeEvents) Close() error { return nil }

type harness struct {
	store  *state.MemoryStore
	logs   *fakeLogs
	fees   *fakeFees
	sender *fakeSender
	events *fakeEvents
	engine *Engine
}

func mustKey(t *testing.T, hexKey string) *ecdsa.PrivateKey {
	t.Helper()
	k, err := eth.ParsePrivateKeyHex(hexKey)
	if err != nil {
		t.Fatalf("ParsePrivateKeyHex: %v", err)
	}
	return k
}

// newHarness wires an engine whose stored key is hardhatKey0 and whose transactions are signed with
// signKey.
func newHarness(t *testing.T, signKey string) *harness {
	t.Helper()

	h := &harness{
		store:  state.NewMemoryStore(state.Defaults()),
		logs:   &fakeLogs{},
		fees:   &fakeFees{},
		sender: &fakeSender{},
		events: &fakeEvents{},
	}
	submitter, err := eth.NewSubmitter(h.sender, h.store)
	if err != nil {
		t.Fatalf("NewSubmitter: %v", err)
	}
	txSigner, err := eth.NewTxSigner(eth.NewLocalSigner(mustKey(t, signKey)))
	if err != nil {
		t.Fatalf("NewTxSigner: %v", err)
	}
	h.engine, err = New(Config{
		Now:        func() time.Time { return time.Unix(1_700_000_000, 0) },
		NewCycleID: func() string { return "cycle-1" },
	}, Deps{
		Store:     h.store,
		Logs:      h.logs,
		Fees:      h.fees,
		Signer:    txSigner,
		Submitter: submitter,
		Keys:      eth.NewLocalSigner(mustKey(t, hardhatKey0)),
		Events:    h.events,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func (h *harness) ready(t *testing.T, cursor uint64) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.engine.EnsureKey(ctx); err != nil {
		t.Fatalf("EnsureKey: %v", err)
	}
	if err := h.engine.SetWatchedContract(ctx, testContract); err != nil {
		t.Fatalf("SetWatchedContract: %v", err)
	}
	if _, err := h.store.Mutate(ctx, func(sn *state.Snapshot) error {
		sn.State.BlockCursor = cursor
		return nil
	}); err != nil {
		t.Fatalf("set cursor: %v", err)
	}
}

func (h *harness) snapshot(t *testing.T) state.Snapshot {
	t.Helper()
	snap, err := h.store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return snap
}

func contractLog(block uint64, index uint, data []byte) types.Log {
	return types.Log{
		Address:     testContract,
		BlockNumber: block,
		Index:       index,
		TxHash:      crypto.Keccak256Hash(big.NewInt(int64(block)).Bytes(), []byte{byte(index)}),
		Data:        data,
	}
}

func TestEngine_EnsureKeyDerivesOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, hardhatKey0)
	ctx := context.Background()

	if _, err := h.engine.DerivedAddress(ctx); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized before EnsureKey, got %v", err)
	}

	addr, err := h.engine.EnsureKey(ctx)
	if err != nil {
		t.Fatalf("EnsureKey: %v", err)
	}
	if addr != hardhatAddr0 {
		t.Fatalf("address: got %s want %s", addr, hardhatAddr0)
	}
	snap := h.snapshot(t)
	if len(snap.State.PublicKey) != 65 || snap.State.PublicKey[0] != 0x04 {
		t.Fatalf("stored key must be uncompressed, got %d bytes", len(snap.State.PublicKey))
	}

	// A second call, as after a restart, keeps the stored key even if the key source changed.
	h.engine.keys = eth.NewLocalSigner(mustKey(t, hardhatKey1))
	again, err := h.engine.EnsureKey(ctx)
	if err != nil {
		t.Fatalf("EnsureKey again: %v", err)
	}
	if again != hardhatAddr0 {
		t.Fatalf("address changed on restart: %s", again)
	}
	got, err := h.engine.DerivedAddress(ctx)
	if err != nil || got != hardhatAddr0 {
		t.Fatalf("DerivedAddress: got %q err=%v", got, err)
	}
}

type failingKeys struct{}

func (failingKeys) PublicKey(context.Context, string) ([]byte, error) {
	return nil, errors.New("signer unavailable")
}

func TestEngine_EnsureKeyFailureLeavesStateEmpty(t *testing.T) {
	t.Parallel()

	h := newHarness(t, hardhatKey0)
	h.engine.keys = failingKeys{}

	if _, err := h.engine.EnsureKey(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	snap := h.snapshot(t)
	if len(snap.State.PublicKey) != 0 || snap.State.DerivedAddress != "" {
		t.Fatalf("state written after failure: %+v", snap.State)
	}
}

func TestEngine_NoContractSkipsLogFetch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, hardhatKey0)
	ctx := context.Background()
	if _, err := h.engine.EnsureKey(ctx); err != nil {
		t.Fatalf("EnsureKey: %v", err)
	}

	res, err := h.engine.SyncOnce(ctx)
	if err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	if !res.NoContract {
		t.Fatalf("expected NoContract result")
	}
	if h.logs.callCount() != 0 {
		t.Fatalf("logs fetched without a contract")
	}

	if err := h.engine.SetWatchedContract(ctx, testContract); err != nil {
		t.Fatalf("SetWatchedContract: %v", err)
	}
	if _, err := h.engine.SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	if h.logs.callCount() != 1 {
		t.Fatalf("expected one log fetch after setting the contract, got %d", h.logs.callCount())
	}
	call := h.logs.calls[0]
	if call.network != evmrpc.EthSepolia || call.to != evmrpc.Latest {
		t.Fatalf("unexpected call: %+v", call)
	}
	if call.from != state.DefaultStartBlock+1 {
		t.Fatalf("from: got %d want %d", call.from, state.DefaultStartBlock+1)
	}
	if len(call.addrs) != 1 || call.addrs[0] != testContract {
		t.Fatalf("addrs: got %v", call.addrs)
	}
}

func TestEngine_SetWatchedContractRejectsZero(t *testing.T) {
	t.Parallel()

	h := newHarness(t, hardhatKey0)
	if err := h.engine.SetWatchedContract(context.Background(), common.Address{}); !errors.Is(err, ErrInvalidContract) {
		t.Fatalf("expected ErrInvalidContract, got %v", err)
	}
}

func TestEngine_SyncRequiresKey(t *testing.T) {
	t.Parallel()

	h := newHarness(t, hardhatKey0)
	ctx := context.Background()
	if err := h.engine.SetWatchedContract(ctx, testContract); err != nil {
		t.Fatalf("SetWatchedContract: %v", err)
	}
	if _, err := h.engine.SyncOnce(ctx); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if h.logs.callCount() != 0 {
		t.Fatalf("logs fetched before key initialization")
	}
}

func TestEngine_AcceptedJobAdvancesNonceAndCursor(t *testing.T) {
	t.Parallel()

	h := newHarness(t, hardhatKey0)
	h.ready(t, 99)
	h.logs.logs = []types.Log{contractLog(100, 0, []byte{0x07})}

	res, err := h.engine.SyncOnce(context.Background())
	if err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	if res.Submitted != 1 || res.Failed != 0 || res.Rejected != 0 {
		t.Fatalf("unexpected counts: %+v", res)
	}
	if res.FromBlock != 100 || res.CursorBefore != 99 || res.CursorAfter != 100 {
		t.Fatalf("unexpected cursor fields: %+v", res)
	}

	snap := h.snapshot(t)
	if snap.State.Nonce != 1 {
		t.Fatalf("nonce: got %d want 1", snap.State.Nonce)
	}
	if snap.State.BlockCursor != 100 {
		t.Fatalf("cursor: got %d want 100", snap.State.BlockCursor)
	}

	txs := h.sender.sentTxs(t)
	if len(txs) != 1 {
		t.Fatalf("sent: got %d want 1", len(txs))
	}
	tx := txs[0]
	if tx.Type() != types.DynamicFeeTxType {
		t.Fatalf("type: got %d", tx.Type())
	}
	if tx.ChainId().Cmp(big.NewInt(11155111)) != 0 {
		t.Fatalf("chain id: got %s", tx.ChainId())
	}
	if tx.To() == nil || *tx.To() != testContract {
		t.Fatalf("to: got %v", tx.To())
	}
	if tx.Gas() != DefaultGasLimit || tx.Nonce() != 0 || tx.Value().Sign() != 0 {
		t.Fatalf("gas=%d nonce=%d value=%s", tx.Gas(), tx.Nonce(), tx.Value())
	}
	if tx.GasTipCap().Int64() != 100 || tx.GasFeeCap().Int64() != 1100 {
		t.Fatalf("fees: tip=%s cap=%s", tx.GasTipCap(), tx.GasFeeCap())
	}
	wantData, err := EncodeCallback(DefaultResult)
	if err != nil {
		t.Fatalf("EncodeCallback: %v", err)
	}
	if !bytesEqual(tx.Data(), wantData) {
		t.Fatalf("calldata mismatch")
	}
	from, err := types.Sender(types.NewLondonSigner(tx.ChainId()), tx)
	if err != nil {
		t.Fatalf("Sender: %v", err)
	}
	if from.Hex() != hardhatAddr0 {
		t.Fatalf("sender: got %s want %s", from.Hex(), hardhatAddr0)
	}

	if len(h.events.events) != 1 {
		t.Fatalf("events: got %d", len(h.events.events))
	}
	ev := h.events.events[0]
	if ev.Outcome != jobevents.OutcomeSubmitted || ev.JobID != 7 || ev.CycleID != "cycle-1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Nonce == nil || *ev.Nonce != 0 || ev.TxHash != tx.Hash().Hex() {
		t.Fatalf("event tx fields: %+v", ev)
	}
	if ev.Status != evmrpc.Accepted.String() {
		t.Fatalf("event status: %q", ev.Status)
	}
}

func TestEngine_SequentialJobsUseConsecutiveNonces(t *testing.T) {
	t.Parallel()

	h := newHarness(t, hardhatKey0)
	h.ready(t, 10)
	h.logs.logs = []types.Log{
		contractLog(11, 0, []byte{1}),
		contractLog(11, 1, []byte{2}),
		contractLog(12, 0, []byte{3}),
	}

	if _, err := h.engine.SyncOnce(context.Background()); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	txs := h.sender.sentTxs(t)
	if len(txs) != 3 {
		t.Fatalf("sent: got %d", len(txs))
	}
	for i, tx := range txs {
		if tx.Nonce() != uint64(i) {
			t.Fatalf("tx %d nonce: got %d", i, tx.Nonce())
		}
	}
	if snap := h.snapshot(t); snap.State.Nonce != 3 || snap.State.BlockCursor != 12 {
		t.Fatalf("state: %+v", snap.State)
	}
}

func TestEngine_FailedJobDoesNotHoldBackCursor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		statuses    []evmrpc.SendStatus
		errs        []error
		wantOutcome string
	}{
		{
			name:        "rejected",
			statuses:    []evmrpc.SendStatus{evmrpc.NonceTooLow},
			wantOutcome: jobevents.OutcomeRejected,
		},
		{
			name:        "insufficient funds",
			statuses:    []evmrpc.SendStatus{evmrpc.InsufficientFunds},
			wantOutcome: jobevents.OutcomeRejected,
		},
		{
			name:        "provider error",
			errs:        []error{evmrpc.ErrProvider},
			wantOutcome: jobevents.OutcomeFailed,
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, hardhatKey0)
			h.sender.statuses = tc.statuses
			h.sender.errs = tc.errs
			h.ready(t, 50)
			h.logs.logs = []types.Log{contractLog(100, 0, []byte{1}), contractLog(101, 0, []byte{2})}

			res, err := h.engine.SyncOnce(context.Background())
			if err != nil {
				t.Fatalf("SyncOnce: %v", err)
			}
			if len(res.Jobs) != 2 {
				t.Fatalf("jobs: got %d", len(res.Jobs))
			}
			if res.Jobs[0].Outcome != tc.wantOutcome || res.Jobs[0].Err == nil {
				t.Fatalf("first job: %+v", res.Jobs[0])
			}
			if res.Jobs[1].Outcome != jobevents.OutcomeSubmitted {
				t.Fatalf("second job: %+v", res.Jobs[1])
			}

			snap := h.snapshot(t)
			if snap.State.BlockCursor != 101 {
				t.Fatalf("cursor: got %d want 101", snap.State.BlockCursor)
			}
			// Only the second job was accepted; it reused nonce 0.
			if snap.State.Nonce != 1 {
				t.Fatalf("nonce: got %d want 1", snap.State.Nonce)
			}
			txs := h.sender.sentTxs(t)
			if len(txs) != 2 || txs[0].Nonce() != 0 || txs[1].Nonce() != 0 {
				t.Fatalf("unexpected nonces in sent txs")
			}
		})
	}
}

func TestEngine_FeeErrorFailsJobOnly(t *testing.T) {
	t.Parallel()

	h := newHarness(t, hardhatKey0)
	h.ready(t, 0)
	h.fees.err = evmrpc.ErrInconsistent
	h.logs.logs = []types.Log{contractLog(5, 0, nil)}

	res, err := h.engine.SyncOnce(context.Background())
	if err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	if res.Failed != 1 || !errors.Is(res.Jobs[0].Err, evmrpc.ErrInconsistent) {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(h.sender.sent) != 0 {
		t.Fatalf("tx sent despite fee failure")
	}
	if snap := h.snapshot(t); snap.State.BlockCursor != 5 || snap.State.Nonce != 0 {
		t.Fatalf("state: %+v", snap.State)
	}
}

func TestEngine_GetLogsErrorKeepsCursor(t *testing.T) {
	t.Parallel()

	h := newHarness(t, hardhatKey0)
	h.ready(t, 42)
	h.logs.err = evmrpc.ErrProvider

	res, err := h.engine.SyncOnce(context.Background())
	if !errors.Is(err, evmrpc.ErrProvider) {
		t.Fatalf("expected ErrProvider, got %v", err)
	}
	if res.CursorAfter != 42 {
		t.Fatalf("cursor after: got %d", res.CursorAfter)
	}
	if snap := h.snapshot(t); snap.State.BlockCursor != 42 {
		t.Fatalf("cursor: got %d", snap.State.BlockCursor)
	}
}

func TestEngine_CursorNeverDecreases(t *testing.T) {
	t.Parallel()

	h := newHarness(t, hardhatKey0)
	h.ready(t, 200)
	// A misbehaving provider returning an old log must not pull the cursor back.
	h.logs.logs = []types.Log{contractLog(150, 0, []byte{1})}

	res, err := h.engine.SyncOnce(context.Background())
	if err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	if res.CursorAfter != 200 {
		t.Fatalf("cursor after: got %d", res.CursorAfter)
	}

	h.logs.logs = nil
	if _, err := h.engine.SyncOnce(context.Background()); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	if snap := h.snapshot(t); snap.State.BlockCursor != 200 {
		t.Fatalf("cursor: got %d", snap.State.BlockCursor)
	}
}

func TestEngine_RemovedLogsSkippedButCounted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, hardhatKey0)
	h.ready(t, 0)
	removed := contractLog(9, 0, []byte{1})
	removed.Removed = true
	h.logs.logs = []types.Log{contractLog(8, 0, []byte{1}), removed}

	res, err := h.engine.SyncOnce(context.Background())
	if err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	if res.Removed != 1 || res.Submitted != 1 || len(h.sender.sent) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if snap := h.snapshot(t); snap.State.BlockCursor != 9 {
		t.Fatalf("cursor: got %d want 9", snap.State.BlockCursor)
	}
}

func TestEngine_IntegrityFailureAbortsCycle(t *testing.T) {
	t.Parallel()

	// Stored key is hardhatKey0 but the signer answers with hardhatKey1.
	h := newHarness(t, hardhatKey1)
	h.ready(t, 90)
	h.logs.logs = []types.Log{contractLog(100, 0, []byte{1}), contractLog(101, 0, []byte{2})}

	res, err := h.engine.SyncOnce(context.Background())
	if !errors.Is(err, eth.ErrSignatureIntegrity) {
		t.Fatalf("expected ErrSignatureIntegrity, got %v", err)
	}
	if len(res.Jobs) != 1 {
		t.Fatalf("batch continued after integrity failure: %d jobs", len(res.Jobs))
	}
	if len(h.sender.sent) != 0 {
		t.Fatalf("tx sent with a foreign signature")
	}
	snap := h.snapshot(t)
	if snap.State.BlockCursor != 99 {
		t.Fatalf("cursor: got %d want 99", snap.State.BlockCursor)
	}
	if snap.State.Nonce != 0 {
		t.Fatalf("nonce: got %d", snap.State.Nonce)
	}
}

func TestEngine_CancelledContextStopsBatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, hardhatKey0)
	h.ready(t, 0)
	h.logs.logs = []types.Log{contractLog(3, 0, nil), contractLog(4, 0, nil)}

	ctx, cancel := context.WithCancel(context.Background())
	h.engine.jobs = cancelAfterFirst{cancel: cancel}

	_, err := h.engine.SyncOnce(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	// Block 3 was not handled successfully, so the next cycle starts there again.
	if snap := h.snapshot(t); snap.State.BlockCursor != 2 {
		t.Fatalf("cursor: got %d want 2", snap.State.BlockCursor)
	}
}

type cancelAfterFirst struct {
	cancel context.CancelFunc
}

func (p cancelAfterFirst) Process(ctx context.Context, _ uint64) (string, error) {
	p.cancel()
	return "", ctx.Err()
}

func TestEngine_Status(t *testing.T) {
	t.Parallel()

	h := newHarness(t, hardhatKey0)
	h.ready(t, 77)

	st, err := h.engine.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Network != "EthSepolia" || st.KeyName != state.DefaultKeyName || st.BlockCursor != 77 || st.Nonce != 0 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if st.WatchedContract != testContract.Hex() || st.DerivedAddress != hardhatAddr0 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestNew_RequiresDeps(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}, Deps{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
