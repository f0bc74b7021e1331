// Package scheduler drives the sync engine: key initialization at startup, an immediate cycle, then
// one cycle per interval. At most one cycle runs at a time in a process, and optionally across
// replicas through a lease.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juno-intents/evm-coprocessor/internal/coprocessor"
	"github.com/juno-intents/evm-coprocessor/internal/metrics"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultInterval     = 60 * time.Second
	DefaultCycleTimeout = 5 * time.Minute

	cycleKey = "sync-cycle"
)

var (
	ErrInvalidConfig = errors.New("scheduler: invalid config")

	// ErrLeaseHeld means another replica owns the cycle lease; nothing ran.
	ErrLeaseHeld = errors.New("scheduler: cycle lease held elsewhere")
)

type Engine interface {
	EnsureKey(ctx context.Context) (string, error)
	SyncOnce(ctx context.Context) (coprocessor.CycleResult, error)
}

// Guard runs fn only while holding the cycle lease. Implemented by leases.Guard.
type Guard interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) (bool, error)
}

type Config struct {
	Interval     time.Duration
	CycleTimeout time.Duration

	// Optional.
	Guard   Guard
	Metrics *metrics.Metrics
	Log     *slog.Logger
	Now     func() time.Time
}

type Scheduler struct {
	cfg    Config
	engine Engine
	log    *slog.Logger

	sf       singleflight.Group
	inFlight atomic.Bool
	keyReady atomic.Bool
}

func New(cfg Config, engine Engine) (*Scheduler, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: nil engine", ErrInvalidConfig)
	}
	if cfg.Interval < 0 || cfg.CycleTimeout < 0 {
		return nil, fmt.Errorf("%w: negative interval or cycle timeout", ErrInvalidConfig)
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.CycleTimeout == 0 {
		cfg.CycleTimeout = DefaultCycleTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Scheduler{cfg: cfg, engine: engine, log: log}, nil
}

// Run blocks until ctx is done. Cycle failures are logged and counted; they never end Run.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	fire := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.tick(ctx)
		}()
	}

	s.log.Info("scheduler started", "interval", s.cfg.Interval.String(), "cycle_timeout", s.cfg.CycleTimeout.String(), "lease", s.cfg.Guard != nil)
	fire()

	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopping", "reason", ctx.Err())
			return nil
		case <-t.C:
			fire()
		}
	}
}

// tick starts a cycle unless one is already running in this process.
func (s *Scheduler) tick(ctx context.Context) {
	if s.inFlight.Load() {
		s.log.Info("cycle still in flight, skipping tick")
		s.cfg.Metrics.CycleFinished(metrics.CycleSkipped, 0)
		return
	}
	if _, err := s.do(ctx); err != nil && !errors.Is(err, ErrLeaseHeld) && ctx.Err() == nil {
		s.log.Error("sync cycle failed", "err", err)
	}
}

// TriggerNow runs a cycle immediately, or joins the one already in flight, and returns its result.
// Cancelling ctx stops the wait but not the cycle.
func (s *Scheduler) TriggerNow(ctx context.Context) (coprocessor.CycleResult, error) {
	ch := s.sf.DoChan(cycleKey, func() (any, error) {
		return s.runCycle(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return coprocessor.CycleResult{}, ctx.Err()
	case r := <-ch:
		res, _ := r.Val.(coprocessor.CycleResult)
		return res, r.Err
	}
}

func (s *Scheduler) do(ctx context.Context) (coprocessor.CycleResult, error) {
	v, err, _ := s.sf.Do(cycleKey, func() (any, error) {
		return s.runCycle(ctx)
	})
	res, _ := v.(coprocessor.CycleResult)
	return res, err
}

func (s *Scheduler) runCycle(ctx context.Context) (coprocessor.CycleResult, error) {
	s.inFlight.Store(true)
	defer s.inFlight.Store(false)

	start := s.cfg.Now()
	if !s.keyReady.Load() {
		addr, err := s.engine.EnsureKey(ctx)
		if err != nil {
			s.cfg.Metrics.CycleFinished(metrics.CycleError, s.cfg.Now().Sub(start))
			return coprocessor.CycleResult{}, fmt.Errorf("scheduler: ensure key: %w", err)
		}
		s.keyReady.Store(true)
		s.log.Info("signing key ready", "address", addr)
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.CycleTimeout)
	defer cancel()

	var (
		res coprocessor.CycleResult
		err error
	)
	if s.cfg.Guard == nil {
		res, err = s.engine.SyncOnce(cctx)
	} else {
		var ran bool
		ran, err = s.cfg.Guard.Do(cctx, func(ctx context.Context) error {
			var syncErr error
			res, syncErr = s.engine.SyncOnce(ctx)
			return syncErr
		})
		if err == nil && !ran {
			s.log.Debug("cycle lease held elsewhere, skipping")
			s.cfg.Metrics.CycleFinished(metrics.CycleSkipped, 0)
			return res, ErrLeaseHeld
		}
	}

	elapsed := s.cfg.Now().Sub(start)
	switch {
	case err != nil:
		s.cfg.Metrics.CycleFinished(metrics.CycleError, elapsed)
	case res.NoContract:
		s.cfg.Metrics.CycleFinished(metrics.CycleNoop, elapsed)
	default:
		s.cfg.Metrics.CycleFinished(metrics.CycleOK, elapsed)
	}
	if err != nil {
		return res, fmt.Errorf("scheduler: sync cycle %s: %w", res.CycleID, err)
	}
	return res, nil
}
