package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"gopkg.in/yaml.v3"
)

// VendorSettings holds the vendor API connection parameters, loaded from a
// YAML file. Credentials may be inline or referenced from Secrets Manager.
type VendorSettings struct {
	APIURL     string        `yaml:"apiUrl"`
	APIVersion string        `yaml:"apiVersion"`
	Username   string        `yaml:"username,omitempty"`
	Password   string        `yaml:"password,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty"`

	// SecretARN, when set, names a Secrets Manager secret whose JSON body
	// carries {"username": ..., "password": ...} and overrides the inline
	// credentials.
	SecretARN string `yaml:"secretArn,omitempty"`
}

// SecretsAPI is the subset of the Secrets Manager client used here.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, input *secretsmanager.GetSecretValueInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// LoadVendorSettings reads and validates the vendor settings file.
func LoadVendorSettings(path string) (*VendorSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading vendor settings: %w", err)
	}

	var vs VendorSettings
	if err := yaml.Unmarshal(data, &vs); err != nil {
		return nil, fmt.Errorf("parsing vendor settings: %w", err)
	}
	if vs.APIURL == "" {
		return nil, fmt.Errorf("vendor settings: apiUrl is required")
	}
	if vs.Timeout <= 0 {
		vs.Timeout = 2 * time.Minute
	}
	return &vs, nil
}

// ResolveSecret replaces inline credentials with the Secrets Manager secret
// when SecretARN is configured. No-op otherwise.
func (vs *VendorSettings) ResolveSecret(ctx context.Context, sm SecretsAPI) error {
	if vs.SecretARN == "" {
		return nil
	}

	out, err := sm.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &vs.SecretARN,
	})
	if err != nil {
		return fmt.Errorf("fetching vendor secret: %w", err)
	}
	if out.SecretString == nil {
		return fmt.Errorf("vendor secret %s has no string value", vs.SecretARN)
	}

	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal([]byte(*out.SecretString), &creds); err != nil {
		return fmt.Errorf("parsing vendor secret: %w", err)
	}
	vs.Username = creds.Username
	vs.Password = creds.Password
	return nil
}
