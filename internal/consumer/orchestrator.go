// Package consumer implements the consumer orchestrator: per-vault
// exclusivity, earliest-window selection under the ordering rules, the
// READY→PROCESSING claim, and watermark advancement on commit. All durable
// state lives in the control plane, so every invocation is reentrant.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/dwsmith1983/vaultflow/internal/alert"
	"github.com/dwsmith1983/vaultflow/internal/apply"
	"github.com/dwsmith1983/vaultflow/internal/metrics"
	"github.com/dwsmith1983/vaultflow/internal/store"
	"github.com/dwsmith1983/vaultflow/pkg/types"
)

const scanLimit = 25

// Applier applies one staged window. The engine in internal/apply is the
// production implementation.
type Applier interface {
	Apply(ctx context.Context, win apply.Window, preCommit func() error) error
}

// Options configure an Orchestrator.
type Options struct {
	LeaseTTL    time.Duration
	MaxAttempts int
	// Recovery re-enables the paused schedule after a clean drain.
	Recovery bool
}

// Orchestrator drives the apply pipeline for one vault at a time.
type Orchestrator struct {
	cp        store.ControlPlane
	applier   Applier
	alertFn   func(types.Alert)
	scheduler *alert.SchedulerControl
	opts      Options
	owner     string
	logger    *slog.Logger
}

// New creates an Orchestrator with a fresh ULID owner identity.
func New(cp store.ControlPlane, applier Applier, alertFn func(types.Alert), scheduler *alert.SchedulerControl, opts Options) *Orchestrator {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 15 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if alertFn == nil {
		alertFn = func(types.Alert) {}
	}
	return &Orchestrator{
		cp:        cp,
		applier:   applier,
		alertFn:   alertFn,
		scheduler: scheduler,
		opts:      opts,
		owner:     ulid.Make().String(),
		logger:    slog.Default(),
	}
}

// SetLogger overrides the default logger.
func (o *Orchestrator) SetLogger(l *slog.Logger) { o.logger = l }

// RunOnce drives one vault until its queue is drained, blocked, or a window
// fails. lt selects the consumer kind: INCR (which also covers FULL-mode
// vaults) or LOG. Returns nil on a clean exit, including "another runner
// owns the lease" and "blocked on FAILED/exhausted entry"; returns an error
// when an apply failed in this invocation or a control-plane operation
// (lease acquisition, queue scan, claim, status or watermark update) failed.
func (o *Orchestrator) RunOnce(ctx context.Context, vaultID string, lt types.LoadType) error {
	leaseKey := store.LeaseKey(vaultID, lt)
	acquired, err := o.cp.AcquireLease(ctx, leaseKey, o.owner, o.opts.LeaseTTL)
	if err != nil {
		return fmt.Errorf("acquiring lease %s: %w", leaseKey, err)
	}
	if !acquired {
		metrics.LeaseAcquireFailures.Add(1)
		o.logger.Info("lease held by another runner", "vault", vaultID, "lease", leaseKey)
		return nil
	}
	defer func() {
		if err := o.cp.ReleaseLease(context.WithoutCancel(ctx), leaseKey, o.owner); err != nil {
			o.logger.Warn("releasing lease failed", "lease", leaseKey, "error", err)
		}
	}()

	ren := startRenewer(ctx, o.cp, leaseKey, o.owner, o.opts.LeaseTTL, o.logger)
	defer ren.stop()

	applied := 0
	for {
		entry, state, err := o.selectNext(ctx, vaultID, lt)
		if err != nil {
			return err
		}
		if entry == nil {
			o.logger.Info("queue drained", "vault", vaultID, "applied", applied)
			if o.opts.Recovery {
				o.finishRecovery(ctx, vaultID, applied)
			}
			return nil
		}
		if entry.Status != types.StatusReady {
			// Blocked: FAILED awaiting operator reset, or PROCESSING with
			// attempts exhausted. Deliberate stop; see selectNext.
			o.logger.Warn("queue blocked", "vault", vaultID,
				"window", entry.SortKey(), "status", entry.Status)
			return nil
		}

		if err := o.claim(ctx, entry); err != nil {
			if errors.Is(err, store.ErrPreconditionFailed) {
				metrics.ClaimConflicts.Add(1)
				o.logger.Info("lost claim race, reselecting", "window", entry.SortKey())
				continue
			}
			return err
		}

		if err := o.applyOne(ctx, entry, state, ren); err != nil {
			return err
		}
		applied++
	}
}

// selectNext walks the queue in sort-key order past the watermark and
// returns the first entry eligible under the vault's current epoch, together
// with the state it was selected against. A nil entry means the queue is
// drained. A non-READY return means the queue is blocked on that entry.
func (o *Orchestrator) selectNext(ctx context.Context, vaultID string, lt types.LoadType) (*types.WindowEntry, *types.VaultState, error) {
	state, err := o.cp.GetVaultState(ctx, vaultID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			o.logger.Info("vault not initialized", "vault", vaultID)
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("reading vault state: %w", err)
	}

	selType := lt
	if lt != types.LoadLog {
		selType = types.LoadIncremental
		if state.Mode == types.ModeFullLoad {
			selType = types.LoadFull
		}
	}

	after := state.Watermark(selType)
	if selType == types.LoadFull {
		// The FULL window's logical time equals the rewound watermark, so a
		// strictly-greater scan would miss it. Epoch visibility already
		// narrows the scan to the current snapshot.
		after = time.Time{}
	}
	for {
		entries, err := o.cp.ScanForward(ctx, vaultID, selType, after, scanLimit)
		if err != nil {
			return nil, nil, fmt.Errorf("scanning queue: %w", err)
		}
		if len(entries) == 0 {
			return nil, state, nil
		}

		for _, e := range entries {
			after = e.LogicalTime
			if e.Epoch != state.CurrentEpoch {
				continue // stale epoch; invisible
			}

			switch e.Status {
			case types.StatusApplied:
				if selType == types.LoadFull && state.Mode == types.ModeFullLoad {
					// The snapshot committed but the mode flip was lost to a
					// crash; finish it and reselect.
					mode := types.ModeIncremental
					err := o.cp.UpdateVaultState(ctx, vaultID, state.CurrentEpoch,
						store.StateUpdate{Mode: &mode})
					if err != nil && !errors.Is(err, store.ErrPreconditionFailed) {
						return nil, nil, fmt.Errorf("completing full load: %w", err)
					}
					return o.selectNext(ctx, vaultID, lt)
				}
				// Past the watermark yet applied; defensive skip.
				continue

			case types.StatusReady:
				entry := e
				return &entry, state, nil

			case types.StatusProcessing:
				// We hold the vault lease, so a PROCESSING entry means its
				// owner crashed and its lease expired. Re-arm it if attempts
				// remain; otherwise surface the ambiguous crash.
				if e.AttemptCount < o.opts.MaxAttempts {
					err := o.cp.ConditionalUpdate(ctx, e.Key(), types.StatusProcessing,
						store.EntryUpdate{Status: types.StatusReady})
					if err != nil && !errors.Is(err, store.ErrPreconditionFailed) {
						return nil, nil, fmt.Errorf("re-arming crashed window: %w", err)
					}
					rearmed := e
					rearmed.Status = types.StatusReady
					return &rearmed, state, nil
				}
				entry := e
				return &entry, state, nil

			case types.StatusFailed:
				entry := e
				return &entry, state, nil
			}
		}
	}
}

// claim performs the READY→PROCESSING CAS.
func (o *Orchestrator) claim(ctx context.Context, entry *types.WindowEntry) error {
	return o.cp.ConditionalUpdate(ctx, entry.Key(), types.StatusReady, store.EntryUpdate{
		Status:           types.StatusProcessing,
		IncrementAttempt: true,
	})
}

// applyOne invokes the apply engine for a claimed window and records the
// outcome: APPLIED plus a watermark advance on commit, FAILED plus an alert
// and a schedule pause otherwise.
func (o *Orchestrator) applyOne(ctx context.Context, entry *types.WindowEntry, state *types.VaultState, ren *renewer) error {
	win := apply.Window{
		VaultID:     entry.VaultID,
		LoadType:    entry.LoadType,
		LogicalTime: entry.LogicalTime,
		S3Prefix:    entry.S3Prefix,
		Epoch:       entry.Epoch,
	}

	o.logger.Info("applying window", "vault", entry.VaultID, "window", entry.SortKey(),
		"attempt", entry.AttemptCount+1)

	applyErr := o.applier.Apply(ctx, win, ren.check(ctx))
	if applyErr != nil {
		metrics.WindowsFailed.Add(1)
		if ren.lost.Load() {
			// Lease lost mid-apply: the transaction aborted pre-commit and
			// the entry stays PROCESSING for the next lease holder.
			metrics.LeaseLostMidApply.Add(1)
			return fmt.Errorf("window %s aborted: %w", entry.SortKey(), applyErr)
		}
		err := o.cp.ConditionalUpdate(ctx, entry.Key(), types.StatusProcessing, store.EntryUpdate{
			Status:    types.StatusFailed,
			LastError: applyErr.Error(),
		})
		if err != nil {
			o.logger.Error("marking window FAILED failed", "window", entry.SortKey(), "error", err)
		}
		o.alertFn(types.Alert{
			Level:     types.AlertLevelError,
			VaultID:   entry.VaultID,
			Message:   fmt.Sprintf("window %s failed: %v", entry.SortKey(), applyErr),
			Timestamp: time.Now().UTC(),
		})
		o.scheduler.Pause(ctx)
		return fmt.Errorf("window %s failed: %w", entry.SortKey(), applyErr)
	}

	if err := o.cp.ConditionalUpdate(ctx, entry.Key(), types.StatusProcessing, store.EntryUpdate{
		Status: types.StatusApplied,
	}); err != nil {
		return fmt.Errorf("marking window APPLIED: %w", err)
	}

	upd := store.StateUpdate{}
	logicalTime := entry.LogicalTime
	if entry.LoadType == types.LoadLog {
		upd.LastAppliedLogDate = &logicalTime
	} else {
		upd.LastAppliedStopTime = &logicalTime
	}
	if entry.LoadType == types.LoadFull {
		// Snapshot is in; switch back to incremental so the rewound
		// backlog re-applies.
		mode := types.ModeIncremental
		upd.Mode = &mode
	}
	if err := o.cp.UpdateVaultState(ctx, entry.VaultID, state.CurrentEpoch, upd); err != nil {
		return fmt.Errorf("advancing watermark: %w", err)
	}

	metrics.WindowsApplied.Add(1)
	o.logger.Info("window applied", "vault", entry.VaultID, "window", entry.SortKey())
	return nil
}

// finishRecovery resumes the paused schedule after a clean recovery drain.
func (o *Orchestrator) finishRecovery(ctx context.Context, vaultID string, applied int) {
	o.scheduler.Resume(ctx)
	o.alertFn(types.Alert{
		Level:   types.AlertLevelInfo,
		VaultID: vaultID,
		Message: fmt.Sprintf("recovery run complete: %d windows applied, schedule re-enabled", applied),
		Details: map[string]interface{}{"windowsApplied": applied},
		Timestamp: time.Now().UTC(),
	})
}
