package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dwsmith1983/vaultflow/internal/metrics"
	"github.com/dwsmith1983/vaultflow/pkg/types"
)

const rewindScanLimit = 50

// FullLoadRequest describes a catastrophic-recovery trigger: rebuild the
// vault from the snapshot taken on SnapshotDate and re-apply everything after
// it under a fresh epoch.
type FullLoadRequest struct {
	VaultID      string
	SnapshotDate time.Time
	// S3Prefix/Checksum identify an already-staged FULL window. When empty,
	// the FULL entry is not inserted here; a producer run with the FULL
	// extract type stages and registers it instead.
	S3Prefix string
	Checksum string
}

// TriggerFullLoad executes the full-load rewind protocol against the control
// plane. Each step is individually idempotent so an interrupted trigger can
// be replayed: the epoch bump is guarded on the old epoch, the per-entry
// rewind CAS skips entries already rewound, and the FULL registration is a
// checksum-guarded PutIfAbsent.
func TriggerFullLoad(ctx context.Context, cp ControlPlane, req FullLoadRequest) error {
	state, err := cp.GetVaultState(ctx, req.VaultID)
	if err != nil {
		return fmt.Errorf("reading vault state: %w", err)
	}

	boundary := time.Date(req.SnapshotDate.Year(), req.SnapshotDate.Month(), req.SnapshotDate.Day(),
		0, 0, 0, 0, time.UTC)

	newEpoch := state.CurrentEpoch + 1
	alreadyTriggered := state.Mode == types.ModeFullLoad &&
		state.FullLoadStartedAt != nil &&
		state.LastAppliedStopTime.Equal(boundary)

	if alreadyTriggered {
		// Replay of an interrupted trigger: the epoch has already advanced.
		newEpoch = state.CurrentEpoch
	} else {
		mode := types.ModeFullLoad
		now := time.Now().UTC()
		err := cp.UpdateVaultState(ctx, req.VaultID, state.CurrentEpoch, StateUpdate{
			Mode:                &mode,
			LastAppliedStopTime: &boundary,
			NewEpoch:            &newEpoch,
			FullLoadStartedAt:   &now,
		})
		if err != nil {
			return fmt.Errorf("advancing epoch: %w", err)
		}
		metrics.FullLoadsTriggered.Add(1)
	}

	if err := rewindApplied(ctx, cp, req.VaultID, boundary, newEpoch); err != nil {
		return err
	}

	if req.S3Prefix != "" {
		entry := types.WindowEntry{
			VaultID:     req.VaultID,
			LoadType:    types.LoadFull,
			LogicalTime: boundary,
			Status:      types.StatusReady,
			S3Prefix:    req.S3Prefix,
			Checksum:    req.Checksum,
			Epoch:       newEpoch,
			CreatedAt:   time.Now().UTC(),
			UpdatedAt:   time.Now().UTC(),
		}
		if err := cp.PutIfAbsent(ctx, entry); err != nil {
			return fmt.Errorf("registering FULL entry: %w", err)
		}
	}

	return nil
}

// rewindApplied flips every APPLIED incremental entry past the boundary back
// to READY under the new epoch. Entries at or before the boundary are never
// touched; non-APPLIED entries keep their status but still move to the new
// epoch so they stay visible after the rebuild.
func rewindApplied(ctx context.Context, cp ControlPlane, vaultID string, boundary time.Time, epoch int64) error {
	after := boundary
	for {
		entries, err := cp.ScanForward(ctx, vaultID, types.LoadIncremental, after, rewindScanLimit)
		if err != nil {
			return fmt.Errorf("scanning entries past boundary: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}

		for _, e := range entries {
			upd := EntryUpdate{Status: types.StatusReady, Epoch: &epoch}
			expected := types.StatusApplied
			if e.Status != types.StatusApplied {
				// Keep READY/FAILED as-is; only the epoch moves.
				upd.Status = e.Status
				expected = e.Status
			}
			err := cp.ConditionalUpdate(ctx, e.Key(), expected, upd)
			if err != nil && !errors.Is(err, ErrPreconditionFailed) {
				return fmt.Errorf("rewinding entry %s: %w", e.SortKey(), err)
			}
			if err == nil {
				metrics.EntriesRewound.Add(1)
			}
			after = e.LogicalTime
		}
	}
}
