// Package producer pulls available extract windows from the vendor, stages
// their contents to the object store, and registers READY queue entries.
// Registration is idempotent on logical time and never advances any
// watermark; the producer and consumer only meet in the control plane.
package producer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/dwsmith1983/vaultflow/internal/metrics"
	"github.com/dwsmith1983/vaultflow/internal/staging"
	"github.com/dwsmith1983/vaultflow/internal/store"
	"github.com/dwsmith1983/vaultflow/internal/vendorapi"
	"github.com/dwsmith1983/vaultflow/pkg/types"
)

// ArchiveWriter stages a multi-part archive. *staging.MultipartWriter is the
// production implementation.
type ArchiveWriter interface {
	WritePart(ctx context.Context, partNumber int32, r io.Reader) error
	Complete(ctx context.Context) error
	Abort(ctx context.Context)
}

// ObjectStore is the staging surface the producer writes through.
type ObjectStore interface {
	Put(ctx context.Context, path string, r io.Reader) error
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	NewArchiveWriter(ctx context.Context, path string) (ArchiveWriter, error)
}

// S3Staging adapts *staging.Stager to the ObjectStore interface.
type S3Staging struct {
	*staging.Stager
}

// NewArchiveWriter begins a multipart archive upload.
func (s S3Staging) NewArchiveWriter(ctx context.Context, path string) (ArchiveWriter, error) {
	return s.Stager.NewMultipartWriter(ctx, path)
}

// Options configure a producer run.
type Options struct {
	VaultID         string
	ObjectStoreRoot string
	LoadType        types.LoadType

	// UseDynamicWindow enables the first-run lookback fallback when the
	// vault has no watermark yet.
	UseDynamicWindow bool
	Lookback         time.Duration

	ConvertToColumnar bool

	// StartOverride/StopOverride pin the request window for manual
	// backfills, bypassing the watermark.
	StartOverride *time.Time
	StopOverride  *time.Time
}

// Producer stages windows and registers them with the control plane.
type Producer struct {
	vendor  vendorapi.Client
	objects ObjectStore
	cp      store.ControlPlane
	opts    Options
	alertFn func(types.Alert)
	logger  *slog.Logger
	now     func() time.Time
	runID   string
}

// New creates a Producer.
func New(vendor vendorapi.Client, objects ObjectStore, cp store.ControlPlane, alertFn func(types.Alert), opts Options) *Producer {
	if alertFn == nil {
		alertFn = func(types.Alert) {}
	}
	return &Producer{
		vendor:  vendor,
		objects: objects,
		cp:      cp,
		opts:    opts,
		alertFn: alertFn,
		logger:  slog.Default(),
		now:     time.Now,
		runID:   ulid.Make().String(),
	}
}

// SetLogger overrides the default logger.
func (p *Producer) SetLogger(l *slog.Logger) { p.logger = l }

// Run executes one producer tick: list, filter, stage, register. Staging
// failures are absorbed (the window retries next tick, and later windows are
// held back so registration order stays monotonic). Protocol errors alert
// and surface.
func (p *Producer) Run(ctx context.Context) error {
	logger := p.logger.With("vault", p.opts.VaultID, "loadType", p.opts.LoadType, "run", p.runID)

	watermark, epoch, err := p.resolveWatermark(ctx)
	if err != nil {
		return err
	}

	start, stop := watermark, p.now().UTC()
	if p.opts.StartOverride != nil {
		start = *p.opts.StartOverride
		logger.Info("using manual start time", "start", start)
	}
	if p.opts.StopOverride != nil {
		stop = *p.opts.StopOverride
	}

	windows, err := p.vendor.ListWindows(ctx, p.opts.LoadType, start, stop)
	if err != nil {
		logger.Warn("listing vendor windows failed", "error", err)
		return nil
	}

	sort.Slice(windows, func(i, j int) bool {
		return windows[i].LogicalTime.Before(windows[j].LogicalTime)
	})

	for _, win := range windows {
		if win.RecordCount == 0 {
			metrics.WindowsSkipped.Add(1)
			logger.Info("skipping empty window", "window", win.Filename)
			continue
		}
		if p.opts.StartOverride == nil && !win.LogicalTime.After(watermark) {
			metrics.WindowsSkipped.Add(1)
			logger.Info("skipping already-applied window",
				"window", win.Filename, "stopTime", win.LogicalTime)
			continue
		}

		if err := p.stageAndRegister(ctx, win, epoch); err != nil {
			if errors.Is(err, store.ErrDuplicateChecksum) {
				p.alertFn(types.Alert{
					Level:     types.AlertLevelError,
					VaultID:   p.opts.VaultID,
					Message:   fmt.Sprintf("window %s re-registered with different checksum", win.Filename),
					Timestamp: p.now().UTC(),
				})
				return err
			}
			// Absorbed: no entry was written, so the next tick retries this
			// window. Later windows are not staged ahead of it.
			logger.Warn("staging window failed, stopping tick", "window", win.Filename, "error", err)
			return nil
		}
		metrics.WindowsRegistered.Add(1)
		logger.Info("window registered", "window", win.Filename, "stopTime", win.LogicalTime)
	}
	return nil
}

// resolveWatermark reads the vault watermark, bootstrapping the vault state
// on first run. A missing watermark falls back to the dynamic lookback when
// enabled; operators should still seed the initial watermark explicitly.
func (p *Producer) resolveWatermark(ctx context.Context) (time.Time, int64, error) {
	state, err := p.cp.GetVaultState(ctx, p.opts.VaultID)
	if errors.Is(err, store.ErrNotFound) {
		init := types.VaultState{
			VaultID:   p.opts.VaultID,
			Mode:      types.ModeIncremental,
			UpdatedAt: p.now().UTC(),
		}
		if err := p.cp.InitVaultState(ctx, init); err != nil {
			return time.Time{}, 0, fmt.Errorf("initializing vault state: %w", err)
		}
		state, err = p.cp.GetVaultState(ctx, p.opts.VaultID)
		if err != nil {
			return time.Time{}, 0, fmt.Errorf("re-reading vault state: %w", err)
		}
	} else if err != nil {
		return time.Time{}, 0, fmt.Errorf("reading vault state: %w", err)
	}

	watermark := state.Watermark(p.opts.LoadType)
	if watermark.IsZero() {
		if !p.opts.UseDynamicWindow {
			return time.Time{}, 0, fmt.Errorf("vault %s has no watermark and dynamic window is disabled", p.opts.VaultID)
		}
		watermark = p.now().UTC().Add(-p.opts.Lookback)
		p.logger.Info("no watermark, using dynamic lookback", "start", watermark)
	}
	return watermark, state.CurrentEpoch, nil
}
