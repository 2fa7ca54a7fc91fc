// Package commands implements the vaultflow operator CLI commands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dwsmith1983/vaultflow/internal/alert"
	"github.com/dwsmith1983/vaultflow/internal/apply"
	"github.com/dwsmith1983/vaultflow/internal/config"
	"github.com/dwsmith1983/vaultflow/internal/staging"
	"github.com/dwsmith1983/vaultflow/internal/store"
	"github.com/dwsmith1983/vaultflow/internal/warehouse"
)

// Exit codes for operator tooling.
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitPrecondition = 2
	ExitTransient    = 3
	ExitProtocol     = 4
)

// ExitCode maps an error onto the CLI exit code contract.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, store.ErrDuplicateChecksum),
		errors.Is(err, apply.ErrIncompatibleSchemaChange),
		errors.Is(err, apply.ErrManifestMissing):
		return ExitProtocol
	case errors.Is(err, store.ErrPreconditionFailed):
		return ExitPrecondition
	case store.IsTransient(err):
		return ExitTransient
	default:
		return ExitFailure
	}
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func buildStore(ctx context.Context, cfg *config.Config) (*store.DynamoStore, error) {
	s, err := store.New(ctx, &store.Config{
		QueueTableName: cfg.QueueTableName,
		StateTableName: cfg.StateTableName,
		Region:         cfg.Region,
		Endpoint:       cfg.DynamoEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("creating control-plane store: %w", err)
	}
	return s, nil
}

func buildAlerts(logger *slog.Logger, cfg *config.Config) (*alert.Dispatcher, error) {
	d := alert.NewDispatcher(logger)
	d.AddSink(alert.NewConsoleSink())
	if cfg.SNSTopicARN != "" {
		sink, err := alert.NewSNSSink(cfg.SNSTopicARN)
		if err != nil {
			return nil, err
		}
		d.AddSink(sink)
	}
	return d, nil
}

func buildEngine(ctx context.Context, cfg *config.Config) (*apply.Engine, *staging.Stager, func(), error) {
	stager, err := staging.New(ctx, cfg.Region)
	if err != nil {
		return nil, nil, nil, err
	}

	wh, err := warehouse.Open(warehouse.Options{
		DSN:     cfg.WarehouseDSN,
		Schema:  cfg.WarehouseSchema,
		IAMRole: cfg.WarehouseIAMRole,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	eng := apply.New(stager, wh)
	cleanup := func() {
		if err := wh.Close(); err != nil {
			slog.Default().Warn("closing warehouse failed", "error", err)
		}
	}
	return eng, stager, cleanup, nil
}
