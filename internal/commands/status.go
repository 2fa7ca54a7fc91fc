package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dwsmith1983/vaultflow/internal/config"
	"github.com/dwsmith1983/vaultflow/internal/store"
	"github.com/dwsmith1983/vaultflow/pkg/types"
)

// NewStatusCmd creates the status command.
func NewStatusCmd() *cobra.Command {
	var vaultID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show vault state and pending windows",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context(), vaultID)
		},
	}
	cmd.Flags().StringVar(&vaultID, "vault", "", "vault identifier (defaults to VAULT_ID)")
	return cmd
}

func runStatus(ctx context.Context, vaultID string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if vaultID == "" {
		vaultID = cfg.VaultID
	}

	cp, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}

	state, err := cp.GetVaultState(ctx, vaultID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fmt.Printf("vault %s: not initialized\n", vaultID)
			return nil
		}
		return err
	}

	color.Cyan("vault %s\n", vaultID)
	fmt.Printf("  mode:           %s\n", state.Mode)
	fmt.Printf("  epoch:          %d\n", state.CurrentEpoch)
	fmt.Printf("  watermark:      %s\n", formatTime(state.LastAppliedStopTime))
	fmt.Printf("  log watermark:  %s\n", formatTime(state.LastAppliedLogDate))
	if state.FullLoadStartedAt != nil {
		fmt.Printf("  full load at:   %s\n", formatTime(*state.FullLoadStartedAt))
	}

	for _, lt := range []types.LoadType{types.LoadIncremental, types.LoadLog, types.LoadFull} {
		entries, err := cp.ScanForward(ctx, vaultID, lt, time.Time{}, 100)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			continue
		}
		fmt.Printf("\n%s windows:\n", lt)
		for _, e := range entries {
			line := fmt.Sprintf("  %s  %-10s  epoch=%d attempts=%d",
				e.SortKey(), e.Status, e.Epoch, e.AttemptCount)
			switch e.Status {
			case types.StatusFailed:
				color.Red("%s  %s\n", line, e.LastError)
			case types.StatusApplied:
				color.Green("%s\n", line)
			default:
				fmt.Println(line)
			}
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
