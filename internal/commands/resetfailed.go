package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dwsmith1983/vaultflow/internal/config"
	"github.com/dwsmith1983/vaultflow/internal/store"
	"github.com/dwsmith1983/vaultflow/pkg/types"
)

// NewResetFailedCmd creates the reset-failed command: flip a FAILED window
// back to READY so the consumer picks it up again.
func NewResetFailedCmd() *cobra.Command {
	var vaultID, stoptime, loadType string

	cmd := &cobra.Command{
		Use:   "reset-failed",
		Short: "Reset a FAILED window to READY under the same epoch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runResetFailed(cmd.Context(), vaultID, stoptime, types.LoadType(loadType))
		},
	}
	cmd.Flags().StringVar(&vaultID, "vault", "", "vault identifier")
	cmd.Flags().StringVar(&stoptime, "stoptime", "", "window stop time (RFC 3339)")
	cmd.Flags().StringVar(&loadType, "load-type", string(types.LoadIncremental), "window load type (INCR, LOG, FULL)")
	_ = cmd.MarkFlagRequired("vault")
	_ = cmd.MarkFlagRequired("stoptime")
	return cmd
}

func runResetFailed(ctx context.Context, vaultID, stoptime string, lt types.LoadType) error {
	if !lt.Valid() {
		return fmt.Errorf("invalid load type %q", lt)
	}
	t, err := time.Parse(time.RFC3339, stoptime)
	if err != nil {
		return fmt.Errorf("parsing --stoptime: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cp, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}

	key := types.EntryKey{VaultID: vaultID, SortKey: types.SortKey(lt, t)}
	err = cp.ConditionalUpdate(ctx, key, types.StatusFailed, store.EntryUpdate{
		Status: types.StatusReady,
	})
	if err != nil {
		return fmt.Errorf("resetting %s: %w", key.SortKey, err)
	}

	color.Green("window %s reset to READY\n", key.SortKey)
	return nil
}
