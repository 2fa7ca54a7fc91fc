// Package lambda wires shared dependencies for the Lambda entrypoints from
// the environment.
package lambda

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/dwsmith1983/vaultflow/internal/alert"
	"github.com/dwsmith1983/vaultflow/internal/apply"
	"github.com/dwsmith1983/vaultflow/internal/config"
	"github.com/dwsmith1983/vaultflow/internal/consumer"
	"github.com/dwsmith1983/vaultflow/internal/producer"
	"github.com/dwsmith1983/vaultflow/internal/staging"
	"github.com/dwsmith1983/vaultflow/internal/store"
	"github.com/dwsmith1983/vaultflow/internal/vendorapi"
	"github.com/dwsmith1983/vaultflow/internal/warehouse"
)

// Deps holds shared dependencies for Lambda handlers.
type Deps struct {
	Cfg       *config.Config
	Store     *store.DynamoStore
	Stager    *staging.Stager
	SQSClient *sqs.Client
	Dispatch  *alert.Dispatcher
	Scheduler *alert.SchedulerControl
	Logger    *slog.Logger
}

// Init creates shared dependencies from the environment.
func Init(ctx context.Context) (*Deps, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	cp, err := store.New(ctx, &store.Config{
		QueueTableName: cfg.QueueTableName,
		StateTableName: cfg.StateTableName,
		Region:         cfg.Region,
		Endpoint:       cfg.DynamoEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("creating control-plane store: %w", err)
	}
	cp.SetLogger(logger)

	stager, err := staging.New(ctx, cfg.Region)
	if err != nil {
		return nil, err
	}

	dispatcher := alert.NewDispatcher(logger)
	if cfg.SNSTopicARN != "" {
		sink, err := alert.NewSNSSink(cfg.SNSTopicARN)
		if err != nil {
			return nil, fmt.Errorf("creating SNS sink: %w", err)
		}
		dispatcher.AddSink(sink)
	}

	scheduler, err := alert.NewSchedulerControl(ctx, cfg.EventRuleName, cfg.Region)
	if err != nil {
		return nil, err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &Deps{
		Cfg:       cfg,
		Store:     cp,
		Stager:    stager,
		SQSClient: sqs.NewFromConfig(awsCfg),
		Dispatch:  dispatcher,
		Scheduler: scheduler,
		Logger:    logger,
	}, nil
}

// NewConsumer builds the consumer orchestrator, including the warehouse
// connection the apply engine needs.
func (d *Deps) NewConsumer() (*consumer.Orchestrator, func(), error) {
	wh, err := warehouse.Open(warehouse.Options{
		DSN:     d.Cfg.WarehouseDSN,
		Schema:  d.Cfg.WarehouseSchema,
		IAMRole: d.Cfg.WarehouseIAMRole,
	})
	if err != nil {
		return nil, nil, err
	}

	eng := apply.New(d.Stager, wh)
	eng.SetLogger(d.Logger)

	orch := consumer.New(d.Store, eng, d.Dispatch.AlertFunc(), d.Scheduler, consumer.Options{
		LeaseTTL:    d.Cfg.LeaseTTL,
		MaxAttempts: d.Cfg.MaxAttempts,
	})
	orch.SetLogger(d.Logger)

	cleanup := func() {
		if err := wh.Close(); err != nil {
			d.Logger.Warn("closing warehouse failed", "error", err)
		}
	}
	return orch, cleanup, nil
}

// NewProducer builds the producer, resolving vendor credentials.
func (d *Deps) NewProducer(ctx context.Context) (*producer.Producer, error) {
	settings, err := config.LoadVendorSettings(d.Cfg.VendorSettingsPath)
	if err != nil {
		return nil, err
	}
	if settings.SecretARN != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(d.Cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		if err := settings.ResolveSecret(ctx, secretsmanager.NewFromConfig(awsCfg)); err != nil {
			return nil, err
		}
	}

	p := producer.New(
		vendorapi.NewHTTPClient(settings),
		producer.S3Staging{Stager: d.Stager},
		d.Store,
		d.Dispatch.AlertFunc(),
		producer.Options{
			VaultID:           d.Cfg.VaultID,
			ObjectStoreRoot:   d.Cfg.ObjectStoreRoot,
			LoadType:          d.Cfg.ExtractType,
			UseDynamicWindow:  d.Cfg.UseDynamicWindow,
			Lookback:          d.Cfg.Lookback(),
			ConvertToColumnar: d.Cfg.ConvertToColumnar,
		})
	p.SetLogger(d.Logger)
	return p, nil
}
