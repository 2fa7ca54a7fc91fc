package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/dwsmith1983/vaultflow/internal/config"
	"github.com/dwsmith1983/vaultflow/internal/producer"
	"github.com/dwsmith1983/vaultflow/internal/staging"
	"github.com/dwsmith1983/vaultflow/internal/vendorapi"
)

// NewProduceCmd creates the produce command: one producer tick.
func NewProduceCmd() *cobra.Command {
	var startTime, stopTime string

	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Pull available vendor windows, stage them, and register queue entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProduce(cmd.Context(), startTime, stopTime)
		},
	}
	cmd.Flags().StringVar(&startTime, "start-time", "", "manual start time override (RFC 3339), bypasses the watermark")
	cmd.Flags().StringVar(&stopTime, "stop-time", "", "manual stop time override (RFC 3339)")
	return cmd
}

func runProduce(ctx context.Context, startTime, stopTime string) error {
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

	settings, err := config.LoadVendorSettings(cfg.VendorSettingsPath)
	if err != nil {
		return err
	}
	if settings.SecretARN != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return fmt.Errorf("loading AWS config: %w", err)
		}
		if err := settings.ResolveSecret(ctx, secretsmanager.NewFromConfig(awsCfg)); err != nil {
			return err
		}
	}

	stager, err := staging.New(ctx, cfg.Region)
	if err != nil {
		return err
	}

	opts := producer.Options{
		VaultID:           cfg.VaultID,
		ObjectStoreRoot:   cfg.ObjectStoreRoot,
		LoadType:          cfg.ExtractType,
		UseDynamicWindow:  cfg.UseDynamicWindow,
		Lookback:          cfg.Lookback(),
		ConvertToColumnar: cfg.ConvertToColumnar,
	}
	if startTime != "" {
		t, err := time.Parse(time.RFC3339, startTime)
		if err != nil {
			return fmt.Errorf("parsing --start-time: %w", err)
		}
		opts.StartOverride = &t
	}
	if stopTime != "" {
		t, err := time.Parse(time.RFC3339, stopTime)
		if err != nil {
			return fmt.Errorf("parsing --stop-time: %w", err)
		}
		opts.StopOverride = &t
	}

	p := producer.New(vendorapi.NewHTTPClient(settings), producer.S3Staging{Stager: stager}, cp, dispatcher.AlertFunc(), opts)
	p.SetLogger(logger)
	return p.Run(ctx)
}
