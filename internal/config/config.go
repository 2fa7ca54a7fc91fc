// Package config loads process configuration from the environment and the
// vendor connection settings file. Configuration is read once at start and
// treated as immutable afterwards.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/dwsmith1983/vaultflow/pkg/types"
)

// Config is the per-process environment configuration.
type Config struct {
	VaultID        string `envconfig:"VAULT_ID" required:"true"`
	StateTableName string `envconfig:"STATE_TABLE_NAME" required:"true"`
	QueueTableName string `envconfig:"QUEUE_TABLE_NAME" required:"true"`

	// ObjectStoreRoot is the staging root, e.g. "s3://bucket/direct-data".
	ObjectStoreRoot string `envconfig:"OBJECT_STORE_ROOT" required:"true"`

	WarehouseDSN    string `envconfig:"WAREHOUSE_DSN"`
	WarehouseSchema string `envconfig:"WAREHOUSE_SCHEMA" default:"public"`
	// WarehouseIAMRole, when set, is attached to COPY statements so the
	// warehouse can read staged objects directly.
	WarehouseIAMRole string `envconfig:"WAREHOUSE_IAM_ROLE"`

	ExtractType          types.LoadType `envconfig:"EXTRACT_TYPE" default:"INCR"`
	UseDynamicWindow     bool           `envconfig:"USE_DYNAMIC_WINDOW"`
	DynamicLookbackHours int            `envconfig:"DYNAMIC_LOOKBACK_HOURS" default:"24"`
	ConvertToColumnar    bool           `envconfig:"CONVERT_TO_COLUMNAR"`
	MaxAttempts          int            `envconfig:"MAX_ATTEMPTS" default:"3"`

	Region         string `envconfig:"AWS_REGION"`
	DynamoEndpoint string `envconfig:"DYNAMODB_ENDPOINT"`

	SNSTopicARN   string        `envconfig:"SNS_TOPIC_ARN"`
	EventRuleName string        `envconfig:"EVENT_RULE_NAME"`
	WakeQueueURL  string        `envconfig:"WAKE_QUEUE_URL"`
	LeaseTTL      time.Duration `envconfig:"LEASE_TTL" default:"15m"`

	VendorSettingsPath string `envconfig:"VENDOR_SETTINGS_PATH" default:"/app/config/vendor_settings.yaml"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	if cfg.VaultID == "" {
		return nil, fmt.Errorf("VAULT_ID is required")
	}
	if !cfg.ExtractType.Valid() {
		return nil, fmt.Errorf("invalid EXTRACT_TYPE %q", cfg.ExtractType)
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("MAX_ATTEMPTS must be at least 1")
	}
	return &cfg, nil
}

// Lookback returns the dynamic first-run lookback window.
func (c *Config) Lookback() time.Duration {
	return time.Duration(c.DynamicLookbackHours) * time.Hour
}
