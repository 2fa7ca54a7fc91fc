package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/vaultflow/pkg/types"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("VAULT_ID", "vault-a")
	t.Setenv("STATE_TABLE_NAME", "vaultflow-state")
	t.Setenv("QUEUE_TABLE_NAME", "vaultflow-queue")
	t.Setenv("OBJECT_STORE_ROOT", "s3://bucket/direct-data")
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, types.LoadIncremental, cfg.ExtractType)
	assert.Equal(t, 24, cfg.DynamicLookbackHours)
	assert.Equal(t, 24*time.Hour, cfg.Lookback())
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 15*time.Minute, cfg.LeaseTTL)
	assert.Equal(t, "public", cfg.WarehouseSchema)
}

func TestLoadRejectsBadExtractType(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("EXTRACT_TYPE", "HOURLY")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EXTRACT_TYPE")
}

func TestLoadRequiresVaultID(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("VAULT_ID", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadVendorSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vendor_settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"apiUrl: https://acme.example.com\n"+
			"apiVersion: v24.1\n"+
			"username: svc-user\n"+
			"password: hunter2\n"+
			"timeout: 90s\n"), 0o600))

	vs, err := LoadVendorSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "https://acme.example.com", vs.APIURL)
	assert.Equal(t, "v24.1", vs.APIVersion)
	assert.Equal(t, 90*time.Second, vs.Timeout)
}

func TestLoadVendorSettingsRequiresURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vendor_settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("apiVersion: v24.1\n"), 0o600))

	_, err := LoadVendorSettings(path)
	assert.Error(t, err)
}
