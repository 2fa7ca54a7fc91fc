package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/dwsmith1983/vaultflow/internal/alert"
	"github.com/dwsmith1983/vaultflow/internal/config"
	"github.com/dwsmith1983/vaultflow/internal/consumer"
	"github.com/dwsmith1983/vaultflow/pkg/types"
)

// NewConsumeCmd creates the consume command: drive one vault until its queue
// is drained, blocked, or a window fails.
func NewConsumeCmd() *cobra.Command {
	var recovery bool

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Acquire the vault lease and apply eligible windows in order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConsume(cmd.Context(), recovery)
		},
	}
	cmd.Flags().BoolVar(&recovery, "recovery", false, "re-enable the producer schedule after a clean drain")
	return cmd
}

func runConsume(ctx context.Context, recovery bool) error {
	logger := newLogger()
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	cp, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	cp.SetLogger(logger)

	dispatcher, err := buildAlerts(logger, cfg)
	if err != nil {
		return err
	}

	scheduler, err := alert.NewSchedulerControl(ctx, cfg.EventRuleName, cfg.Region)
	if err != nil {
		return err
	}

	eng, _, cleanup, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	eng.SetLogger(logger)

	// The LOG consumer runs under its own lease; INCR also covers FULL-mode
	// vaults.
	lt := types.LoadIncremental
	if cfg.ExtractType == types.LoadLog {
		lt = types.LoadLog
	}

	orch := consumer.New(cp, eng, dispatcher.AlertFunc(), scheduler, consumer.Options{
		LeaseTTL:    cfg.LeaseTTL,
		MaxAttempts: cfg.MaxAttempts,
		Recovery:    recovery,
	})
	orch.SetLogger(logger)
	return orch.RunOnce(ctx, cfg.VaultID, lt)
}
