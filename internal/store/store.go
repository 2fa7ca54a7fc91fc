// Package store implements the durable control plane: the window queue and
// vault-state tables, per-vault leases, and the full-load rewind protocol.
// All mutation goes through conditional single-item writes.
package store

import (
	"context"
	"time"

	"github.com/dwsmith1983/vaultflow/pkg/types"
)

// EntryUpdate describes a status transition for a queue entry.
type EntryUpdate struct {
	Status           types.EntryStatus
	IncrementAttempt bool
	LastError        string
	// Epoch, when non-nil, rewrites the entry's epoch (used by the rewind).
	Epoch *int64
}

// StateUpdate describes a guarded mutation of a vault's state record.
// Nil fields are left untouched.
type StateUpdate struct {
	Mode                *types.VaultMode
	LastAppliedStopTime *time.Time
	LastAppliedLogDate  *time.Time
	NewEpoch            *int64
	FullLoadStartedAt   *time.Time
}

// Lease is a time-bounded exclusive claim on a lease key.
type Lease struct {
	Key       string
	Owner     string
	ExpiresAt time.Time
}

// ControlPlane is the abstract contract over the durable control-plane store.
// Any store with conditional single-item updates and ordered range scans on
// the sort key satisfies it; the DynamoDB implementation is the production one.
type ControlPlane interface {
	// PutIfAbsent registers a window entry. Re-registration with an identical
	// checksum is a no-op; a different checksum returns ErrDuplicateChecksum.
	PutIfAbsent(ctx context.Context, entry types.WindowEntry) error

	// GetEntry fetches a single queue entry, or ErrNotFound.
	GetEntry(ctx context.Context, key types.EntryKey) (*types.WindowEntry, error)

	// ConditionalUpdate transitions an entry's status iff its current status
	// equals expected; otherwise ErrPreconditionFailed.
	ConditionalUpdate(ctx context.Context, key types.EntryKey, expected types.EntryStatus, upd EntryUpdate) error

	// ScanForward returns up to limit entries of the given load type in
	// ascending sort-key order, strictly after afterExclusive.
	ScanForward(ctx context.Context, vaultID string, lt types.LoadType, afterExclusive time.Time, limit int) ([]types.WindowEntry, error)

	// GetVaultState reads the vault's state record, or ErrNotFound.
	GetVaultState(ctx context.Context, vaultID string) (*types.VaultState, error)

	// InitVaultState creates the state record if absent.
	InitVaultState(ctx context.Context, state types.VaultState) error

	// UpdateVaultState mutates the state record iff current_epoch equals
	// expectedEpoch; otherwise ErrPreconditionFailed.
	UpdateVaultState(ctx context.Context, vaultID string, expectedEpoch int64, upd StateUpdate) error

	// AcquireLease claims the lease key for owner. Returns false without
	// error when another live owner holds it.
	AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// RenewLease extends the lease iff owner still holds it.
	RenewLease(ctx context.Context, key, owner string, ttl time.Duration) error

	// ReleaseLease drops the lease iff owner still holds it. Releasing a
	// lease held by someone else is a no-op.
	ReleaseLease(ctx context.Context, key, owner string) error

	// GetLease reads the current lease, or nil when unheld/expired.
	GetLease(ctx context.Context, key string) (*Lease, error)
}

// LeaseKey builds the per-vault lease key for a consumer kind. INCR and FULL
// share the "apply" lease; the LOG consumer runs under its own key so the two
// never exclude each other.
func LeaseKey(vaultID string, lt types.LoadType) string {
	kind := "apply"
	if lt == types.LoadLog {
		kind = "log"
	}
	return "LEASE#" + vaultID + "#" + kind
}
