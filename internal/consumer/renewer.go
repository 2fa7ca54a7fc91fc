package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dwsmith1983/vaultflow/internal/store"
)

// renewer keeps a lease alive in the background while a window applies.
// Losing the lease flips a flag that the apply engine's pre-commit hook
// checks, turning a stolen lease into a pre-commit abort instead of a
// double-apply.
type renewer struct {
	cp       store.ControlPlane
	key      string
	owner    string
	ttl      time.Duration
	logger   *slog.Logger
	lost     atomic.Bool
	cancel   context.CancelFunc
	done     sync.WaitGroup
}

func startRenewer(ctx context.Context, cp store.ControlPlane, key, owner string, ttl time.Duration, logger *slog.Logger) *renewer {
	rctx, cancel := context.WithCancel(ctx)
	r := &renewer{cp: cp, key: key, owner: owner, ttl: ttl, logger: logger, cancel: cancel}

	interval := ttl / 3
	if interval < time.Second {
		interval = time.Second
	}

	r.done.Add(1)
	go func() {
		defer r.done.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-rctx.Done():
				return
			case <-ticker.C:
				if err := cp.RenewLease(rctx, key, owner, ttl); err != nil {
					r.lost.Store(true)
					r.logger.Error("lease renewal failed", "lease", key, "error", err)
					return
				}
			}
		}
	}()
	return r
}

// check is the pre-commit hook: a final synchronous renewal proving the
// lease is still ours before the warehouse transaction commits.
func (r *renewer) check(ctx context.Context) func() error {
	return func() error {
		if r.lost.Load() {
			return fmt.Errorf("lease %s lost during apply", r.key)
		}
		if err := r.cp.RenewLease(ctx, r.key, r.owner, r.ttl); err != nil {
			r.lost.Store(true)
			return fmt.Errorf("lease %s could not be confirmed before commit: %w", r.key, err)
		}
		return nil
	}
}

func (r *renewer) stop() {
	r.cancel()
	r.done.Wait()
}
