package leases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Guard runs a function only while holding a named lease, renewing it in the background.
type Guard struct {
	store Store
	name  string
	owner string
	ttl   time.Duration
	log   *slog.Logger
}

func NewGuard(store Store, name, owner string, ttl time.Duration, log *slog.Logger) (*Guard, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidInput)
	}
	if err := ValidateInput(name, owner, ttl); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Guard{store: store, name: name, owner: owner, ttl: ttl, log: log}, nil
}

// Do calls fn when the lease is acquired and reports whether it ran. When another owner holds the
// lease, Do returns (false, nil) without calling fn.
//
// fn's context is cancelled if a renewal discovers the lease was lost.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	l, ok, err := g.store.TryAcquire(ctx, g.name, g.owner, g.ttl)
	if err != nil {
		return false, fmt.Errorf("leases: acquire %s: %w", g.name, err)
	}
	if !ok {
		g.log.Debug("lease held elsewhere", "lease", g.name, "holder", l.Owner, "expires_at", l.ExpiresAt)
		return false, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		g.renewLoop(runCtx, cancel)
	}()

	runErr := fn(runCtx)

	cancel()
	<-renewDone

	// Release with a fresh context so a cancelled parent does not strand the lease until expiry.
	relCtx, relCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer relCancel()
	if err := g.store.Release(relCtx, g.name, g.owner); err != nil && !errors.Is(err, ErrNotOwner) {
		g.log.Warn("release lease", "lease", g.name, "err", err)
	}
	return true, runErr
}

func (g *Guard) renewLoop(ctx context.Context, lost context.CancelFunc) {
	interval := g.ttl / 3
	if interval <= 0 {
		interval = g.ttl
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, ok, err := g.store.Renew(ctx, g.name, g.owner, g.ttl); err != nil || !ok {
				if ctx.Err() != nil {
					return
				}
				g.log.Error("lease lost", "lease", g.name, "err", err)
				lost()
				return
			}
		}
	}
}
