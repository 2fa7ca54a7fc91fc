package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dwsmith1983/vaultflow/internal/config"
	"github.com/dwsmith1983/vaultflow/internal/store"
)

// NewTriggerFullCmd creates the trigger-full command: rewind the vault onto
// a full snapshot under a fresh epoch.
func NewTriggerFullCmd() *cobra.Command {
	var vaultID, snapshotDate, s3Prefix, checksum string

	cmd := &cobra.Command{
		Use:   "trigger-full",
		Short: "Trigger a full-snapshot rebuild and rewind applied windows past the boundary",
		Long: `trigger-full increments the vault epoch, switches the vault to FULL_LOAD
mode with the watermark rewound to the snapshot boundary, and flips every
applied incremental window past the boundary back to READY under the new
epoch. The steps are individually idempotent; rerun the command if it is
interrupted.

When --s3-prefix and --checksum name an already-staged snapshot the FULL
entry is registered here; otherwise a producer run with EXTRACT_TYPE=FULL
stages and registers it.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTriggerFull(cmd.Context(), vaultID, snapshotDate, s3Prefix, checksum)
		},
	}
	cmd.Flags().StringVar(&vaultID, "vault", "", "vault identifier")
	cmd.Flags().StringVar(&snapshotDate, "snapshot-date", "", "snapshot date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&s3Prefix, "s3-prefix", "", "staged FULL window prefix (optional)")
	cmd.Flags().StringVar(&checksum, "checksum", "", "staged FULL manifest checksum (required with --s3-prefix)")
	_ = cmd.MarkFlagRequired("vault")
	_ = cmd.MarkFlagRequired("snapshot-date")
	return cmd
}

func runTriggerFull(ctx context.Context, vaultID, snapshotDate, s3Prefix, checksum string) error {
	date, err := time.Parse("2006-01-02", snapshotDate)
	if err != nil {
		return fmt.Errorf("parsing --snapshot-date: %w", err)
	}
	if s3Prefix != "" && checksum == "" {
		return fmt.Errorf("--checksum is required with --s3-prefix")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cp, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}

	err = store.TriggerFullLoad(ctx, cp, store.FullLoadRequest{
		VaultID:      vaultID,
		SnapshotDate: date,
		S3Prefix:     s3Prefix,
		Checksum:     checksum,
	})
	if err != nil {
		return err
	}

	color.Green("full load triggered for %s at %s\n", vaultID, snapshotDate)
	return nil
}
