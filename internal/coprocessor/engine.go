// Package coprocessor turns contract logs into signed callback transactions.
//
// One sync cycle reads every log emitted by the watched contract since the persisted block cursor,
// computes a result per log, signs a dynamic-fee transaction with the threshold key and submits it.
// The cursor then moves to the last log's block whatever the per-job outcome, so a job whose
// transaction failed is not retried.
package coprocessor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/juno-intents/evm-coprocessor/internal/eth"
	"github.com/juno-intents/evm-coprocessor/internal/evmrpc"
	"github.com/juno-intents/evm-coprocessor/internal/jobevents"
	"github.com/juno-intents/evm-coprocessor/internal/metrics"
	"github.com/juno-intents/evm-coprocessor/internal/state"
)

const DefaultGasLimit = 50_000

var (
	ErrInvalidConfig   = errors.New("coprocessor: invalid config")
	ErrNotInitialized  = errors.New("coprocessor: signing key not initialized")
	ErrInvalidContract = errors.New("coprocessor: invalid contract address")
)

const cursorWriteTimeout = 10 * time.Second

type LogSource interface {
	GetLogs(ctx context.Context, network evmrpc.Network, addrs []common.Address, from uint64, to evmrpc.BlockTag) ([]types.Log, error)
}

type FeeSource interface {
	Estimate(ctx context.Context, network evmrpc.Network) (eth.Fees, error)
}

type TxSigner interface {
	Sign(ctx context.Context, keyName string, pubkey []byte, req eth.TxRequest) (eth.SignedTx, error)
}

type TxSubmitter interface {
	Submit(ctx context.Context, network evmrpc.Network, tx eth.SignedTx) (evmrpc.SendStatus, error)
}

// KeySource fetches the public half of the signing key. eth.DigestSigner satisfies it.
type KeySource interface {
	PublicKey(ctx context.Context, keyName string) ([]byte, error)
}

type Config struct {
	GasLimit uint64

	Now        func() time.Time
	NewCycleID func() string
}

type Deps struct {
	Store     state.Store
	Logs      LogSource
	Fees      FeeSource
	Signer    TxSigner
	Submitter TxSubmitter
	Keys      KeySource

	// Optional.
	Jobs    JobProcessor
	Events  jobevents.Publisher
	Metrics *metrics.Metrics
	Log     *slog.Logger
}

type Engine struct {
	cfg Config

	store     state.Store
	logs      LogSource
	fees      FeeSource
	signer    TxSigner
	submitter TxSubmitter
	keys      KeySource
	jobs      JobProcessor
	events    jobevents.Publisher
	metrics   *metrics.Metrics
	log       *slog.Logger
}

func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil || deps.Logs == nil || deps.Fees == nil || deps.Signer == nil || deps.Submitter == nil || deps.Keys == nil {
		return nil, fmt.Errorf("%w: nil store/logs/fees/signer/submitter/keys", ErrInvalidConfig)
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = DefaultGasLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewCycleID == nil {
		cfg.NewCycleID = func() string { return uuid.NewString() }
	}
	jobs := deps.Jobs
	if jobs == nil {
		jobs = StaticProcessor{}
	}
	log := deps.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Engine{
		cfg:       cfg,
		store:     deps.Store,
		logs:      deps.Logs,
		fees:      deps.Fees,
		signer:    deps.Signer,
		submitter: deps.Submitter,
		keys:      deps.Keys,
		jobs:      jobs,
		events:    deps.Events,
		metrics:   deps.Metrics,
		log:       log,
	}, nil
}

// EnsureKey fetches the signing public key and stores it with its derived address, unless a key is
// already stored. It returns the derived address.
func (e *Engine) EnsureKey(ctx context.Context) (string, error) {
	snap, err := e.store.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("coprocessor: load state: %w", err)
	}
	if len(snap.State.PublicKey) != 0 {
		return snap.State.DerivedAddress, nil
	}

	pub, err := e.keys.PublicKey(ctx, snap.Config.KeyName)
	if err != nil {
		e.metrics.KeyDerivationFailed()
		return "", fmt.Errorf("coprocessor: fetch public key %q: %w", snap.Config.KeyName, err)
	}
	full, err := eth.UncompressedPubkey(pub)
	if err != nil {
		e.metrics.KeyDerivationFailed()
		return "", fmt.Errorf("coprocessor: public key %q: %w", snap.Config.KeyName, err)
	}
	addr, err := eth.ChecksumAddress(full)
	if err != nil {
		e.metrics.KeyDerivationFailed()
		return "", fmt.Errorf("coprocessor: derive address: %w", err)
	}

	next, err := e.store.Mutate(ctx, func(sn *state.Snapshot) error {
		// Another replica may have won the race; keep what is stored.
		if len(sn.State.PublicKey) != 0 {
			return nil
		}
		sn.State.PublicKey = full
		sn.State.DerivedAddress = addr
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("coprocessor: store public key: %w", err)
	}
	e.log.Info("signing key initialized", "key_name", next.Config.KeyName, "address", next.State.DerivedAddress)
	return next.State.DerivedAddress, nil
}

// SetWatchedContract replaces the contract whose logs are processed. It takes effect on the next cycle.
func (e *Engine) SetWatchedContract(ctx context.Context, addr common.Address) error {
	if (addr == common.Address{}) {
		return fmt.Errorf("%w: zero address", ErrInvalidContract)
	}
	_, err := e.store.Mutate(ctx, func(sn *state.Snapshot) error {
		a := addr
		sn.Config.WatchedContract = &a
		return nil
	})
	if err != nil {
		return fmt.Errorf("coprocessor: set watched contract: %w", err)
	}
	e.log.Info("watched contract updated", "contract", addr)
	return nil
}

// DerivedAddress returns the checksummed address of the signing key, or ErrNotInitialized before
// EnsureKey has succeeded.
func (e *Engine) DerivedAddress(ctx context.Context) (string, error) {
	snap, err := e.store.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("coprocessor: load state: %w", err)
	}
	if snap.State.DerivedAddress == "" {
		return "", ErrNotInitialized
	}
	return snap.State.DerivedAddress, nil
}

type Status struct {
	Network         string
	KeyName         string
	WatchedContract string
	DerivedAddress  string
	BlockCursor     uint64
	Nonce           uint64
}

func (e *Engine) Status(ctx context.Context) (Status, error) {
	snap, err := e.store.Load(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("coprocessor: load state: %w", err)
	}
	st := Status{
		Network:        snap.Config.Network,
		KeyName:        snap.Config.KeyName,
		DerivedAddress: snap.State.DerivedAddress,
		BlockCursor:    snap.State.BlockCursor,
		Nonce:          snap.State.Nonce,
	}
	if snap.Config.WatchedContract != nil {
		st.WatchedContract = snap.Config.WatchedContract.Hex()
	}
	return st, nil
}

type JobResult struct {
	BlockNumber uint64
	LogTxHash   common.Hash
	LogIndex    uint
	JobID       uint64

	Outcome string
	Status  evmrpc.SendStatus
	Nonce   uint64
	TxHash  common.Hash
	Err     error
}

type CycleResult struct {
	CycleID string
	// NoContract is set when no contract is configured and no logs were fetched.
	NoContract bool

	FromBlock    uint64
	CursorBefore uint64
	CursorAfter  uint64

	Logs      int
	Removed   int
	Submitted int
	Rejected  int
	Failed    int
	Jobs      []JobResult
}

// Job is one log being turned into a callback transaction.
type Job struct {
	CycleID  string
	Network  evmrpc.Network
	Contract common.Address
	Log      types.Log
}

// SyncOnce runs one cycle.
//
// Logs are handled strictly in the order returned. A failed job is recorded and the batch goes on;
// afterwards the cursor moves to the last log's block. A signature integrity failure or a cancelled
// context stops the batch: the cursor then only covers the blocks before the failing log, and the
// error is returned. A GetLogs failure leaves the cursor untouched.
func (e *Engine) SyncOnce(ctx context.Context) (CycleResult, error) {
	res := CycleResult{CycleID: e.cfg.NewCycleID()}

	snap, err := e.store.Load(ctx)
	if err != nil {
		return res, fmt.Errorf("coprocessor: load state: %w", err)
	}
	res.CursorBefore = snap.State.BlockCursor
	res.CursorAfter = snap.State.BlockCursor
	e.metrics.ObserveState(snap.State.BlockCursor, snap.State.Nonce)

	if snap.Config.WatchedContract == nil {
		res.NoContract = true
		e.log.Debug("no watched contract configured", "cycle_id", res.CycleID)
		return res, nil
	}
	if len(snap.State.PublicKey) == 0 {
		return res, ErrNotInitialized
	}
	network, err := evmrpc.ParseNetwork(snap.Config.Network)
	if err != nil {
		return res, fmt.Errorf("coprocessor: %w", err)
	}
	contract := *snap.Config.WatchedContract

	res.FromBlock = snap.State.BlockCursor + 1
	logs, err := e.logs.GetLogs(ctx, network, []common.Address{contract}, res.FromBlock, evmrpc.Latest)
	if err != nil {
		return res, fmt.Errorf("coprocessor: get logs from %d: %w", res.FromBlock, err)
	}
	res.Logs = len(logs)
	log := e.log.With("cycle_id", res.CycleID, "network", network, "contract", contract)
	if len(logs) > 0 {
		log.Info("fetched logs", "from_block", res.FromBlock, "count", len(logs))
	}

	for _, lg := range logs {
		if err := ctx.Err(); err != nil {
			return e.abort(ctx, &res, lg.BlockNumber, err)
		}
		if lg.Removed {
			res.Removed++
			continue
		}

		jr, err := e.ProcessJob(ctx, Job{CycleID: res.CycleID, Network: network, Contract: contract, Log: lg})
		res.Jobs = append(res.Jobs, jr)
		switch jr.Outcome {
		case jobevents.OutcomeSubmitted:
			res.Submitted++
		case jobevents.OutcomeRejected:
			res.Rejected++
		default:
			res.Failed++
		}
		if err == nil {
			continue
		}
		if errors.Is(err, eth.ErrSignatureIntegrity) {
			e.metrics.IntegrityFailure()
			log.Error("signature integrity failure, aborting cycle", "err", err, "integrity", true, "block", lg.BlockNumber, "job_id", jr.JobID)
			return e.abort(ctx, &res, lg.BlockNumber, err)
		}
		if ctx.Err() != nil {
			return e.abort(ctx, &res, lg.BlockNumber, err)
		}
		log.Warn("job failed", "err", err, "block", lg.BlockNumber, "log_index", lg.Index, "job_id", jr.JobID, "outcome", jr.Outcome)
	}

	if len(logs) > 0 {
		to := logs[len(logs)-1].BlockNumber
		if err := e.advanceCursor(ctx, &res, to); err != nil {
			return res, err
		}
	}
	if res.Logs > 0 {
		log.Info("cycle finished",
			"cursor", res.CursorAfter,
			"submitted", res.Submitted,
			"rejected", res.Rejected,
			"failed", res.Failed,
			"removed", res.Removed,
		)
	}
	return res, nil
}

// abort persists the cursor up to the block before failingBlock and returns cause.
func (e *Engine) abort(ctx context.Context, res *CycleResult, failingBlock uint64, cause error) (CycleResult, error) {
	if failingBlock > 0 {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cursorWriteTimeout)
		defer cancel()
		if err := e.advanceCursor(wctx, res, failingBlock-1); err != nil {
			return *res, errors.Join(cause, err)
		}
	}
	return *res, fmt.Errorf("coprocessor: cycle aborted at block %d: %w", failingBlock, cause)
}

func (e *Engine) advanceCursor(ctx context.Context, res *CycleResult, to uint64) error {
	next, err := e.store.Mutate(ctx, func(sn *state.Snapshot) error {
		if to > sn.State.BlockCursor {
			sn.State.BlockCursor = to
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("coprocessor: advance cursor to %d: %w", to, err)
	}
	res.CursorAfter = next.State.BlockCursor
	e.metrics.ObserveState(next.State.BlockCursor, next.State.Nonce)
	return nil
}

// ProcessJob computes the result for one log, signs a callback transaction to the contract with the
// current nonce and submits it. The returned JobResult is filled as far as the job got, even on error.
func (e *Engine) ProcessJob(ctx context.Context, job Job) (JobResult, error) {
	jr := JobResult{
		BlockNumber: job.Log.BlockNumber,
		LogTxHash:   job.Log.TxHash,
		LogIndex:    job.Log.Index,
		JobID:       JobIDFromData(job.Log.Data),
		Outcome:     jobevents.OutcomeFailed,
	}
	e.metrics.LogProcessed()

	err := e.runJob(ctx, job, &jr)
	if err != nil {
		jr.Err = err
		if errors.Is(err, eth.ErrRejected) {
			jr.Outcome = jobevents.OutcomeRejected
		}
	} else {
		jr.Outcome = jobevents.OutcomeSubmitted
	}
	e.metrics.JobFinished(jr.Outcome)
	e.publish(ctx, job, jr)
	return jr, err
}

func (e *Engine) runJob(ctx context.Context, job Job, jr *JobResult) error {
	result, err := e.jobs.Process(ctx, jr.JobID)
	if err != nil {
		return fmt.Errorf("coprocessor: process job %d: %w", jr.JobID, err)
	}
	data, err := EncodeCallback(result)
	if err != nil {
		return err
	}
	fees, err := e.fees.Estimate(ctx, job.Network)
	if err != nil {
		return fmt.Errorf("coprocessor: estimate fees: %w", err)
	}

	// The nonce may have moved since the cycle started.
	snap, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("coprocessor: load state: %w", err)
	}
	if len(snap.State.PublicKey) == 0 {
		return ErrNotInitialized
	}
	jr.Nonce = snap.State.Nonce

	signed, err := e.signer.Sign(ctx, snap.Config.KeyName, snap.State.PublicKey, eth.TxRequest{
		ChainID:              job.Network.ChainID(),
		To:                   job.Contract,
		GasLimit:             e.cfg.GasLimit,
		MaxFeePerGas:         fees.MaxFeePerGas,
		MaxPriorityFeePerGas: fees.MaxPriorityFeePerGas,
		Value:                new(big.Int),
		Nonce:                snap.State.Nonce,
		Data:                 data,
	})
	if err != nil {
		return fmt.Errorf("coprocessor: sign job %d: %w", jr.JobID, err)
	}
	jr.TxHash = signed.Hash

	status, err := e.submitter.Submit(ctx, job.Network, signed)
	jr.Status = status
	if err != nil {
		return fmt.Errorf("coprocessor: submit job %d: %w", jr.JobID, err)
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, job Job, jr JobResult) {
	if e.events == nil {
		return
	}
	ev := jobevents.Event{
		Version:     jobevents.EventVersion,
		EventID:     jobevents.FormatEventID(jobevents.EventID(jr.LogTxHash, jr.LogIndex)),
		CycleID:     job.CycleID,
		Network:     job.Network.String(),
		Contract:    job.Contract.Hex(),
		BlockNumber: jr.BlockNumber,
		LogTxHash:   jr.LogTxHash.Hex(),
		LogIndex:    jr.LogIndex,
		JobID:       jr.JobID,
		Outcome:     jr.Outcome,
		Time:        e.cfg.Now().UTC(),
	}
	if jr.Status != 0 {
		ev.Status = jr.Status.String()
	}
	if (jr.TxHash != common.Hash{}) {
		nonce := jr.Nonce
		ev.Nonce = &nonce
		ev.TxHash = jr.TxHash.Hex()
	}
	if jr.Err != nil {
		ev.Error = jr.Err.Error()
	}
	if err := e.events.Publish(ctx, ev); err != nil {
		e.log.Error("publish job event", "err", err, "event_id", ev.EventID)
	}
}
