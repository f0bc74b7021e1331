// Package leases provides named, expiring ownership records used to keep a single sync cycle
// running across replicas that share a database.
package leases

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInput = errors.New("leases: invalid input")
	ErrNotFound     = errors.New("leases: not found")
	ErrNotOwner     = errors.New("leases: not owner")
)

const (
	DriverNone     = "none"
	DriverMemory   = "memory"
	DriverPostgres = "postgres"

	// CycleLeaseName guards the log sync cycle.
	CycleLeaseName = "coprocessor/sync-cycle"
)

type Lease struct {
	Name      string
	Owner     string
	ExpiresAt time.Time
}

// Store is a compare-and-swap lease API.
//
// TryAcquire wins when the lease is absent or expired. Renew only extends a lease held by owner.
// Release is a no-op for an absent lease and rejects other owners.
type Store interface {
	TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Renew(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, name, owner string) error
	Get(ctx context.Context, name string) (Lease, error)
}

func ValidateInput(name, owner string, ttl time.Duration) error {
	if name == "" || owner == "" {
		return fmt.Errorf("%w: name and owner are required", ErrInvalidInput)
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: ttl must be > 0", ErrInvalidInput)
	}
	return nil
}
