package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cenkalti/backoff/v4"

	"github.com/dwsmith1983/vaultflow/internal/metrics"
)

// Compile-time interface satisfaction check.
var _ ControlPlane = (*DynamoStore)(nil)

const maxRetryAttempts = 3

// DDBAPI is the subset of the DynamoDB client used by DynamoStore.
type DDBAPI interface {
	PutItem(ctx context.Context, input *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, input *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	DescribeTable(ctx context.Context, input *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, input *dynamodb.CreateTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// Config holds DynamoDB connection settings for the control plane.
type Config struct {
	QueueTableName string
	StateTableName string
	Region         string
	Endpoint       string // DynamoDB Local
	CreateTables   bool
}

// DynamoStore implements ControlPlane backed by two DynamoDB tables.
type DynamoStore struct {
	client     DDBAPI
	queueTable string
	stateTable string
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a DynamoStore from config.
func New(ctx context.Context, cfg *Config) (*DynamoStore, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	// For DynamoDB Local: static credentials and a custom endpoint.
	if cfg.Endpoint != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var clientOpts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	s := NewWithClient(dynamodb.NewFromConfig(awsCfg, clientOpts...), cfg.QueueTableName, cfg.StateTableName)
	if cfg.CreateTables {
		if err := s.ensureTables(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// NewWithClient creates a DynamoStore around an existing client.
func NewWithClient(client DDBAPI, queueTable, stateTable string) *DynamoStore {
	return &DynamoStore{
		client:     client,
		queueTable: queueTable,
		stateTable: stateTable,
		logger:     slog.Default(),
		now:        time.Now,
	}
}

// SetLogger overrides the default logger.
func (s *DynamoStore) SetLogger(l *slog.Logger) { s.logger = l }

// Ping checks connectivity by describing both tables.
func (s *DynamoStore) Ping(ctx context.Context) error {
	for _, table := range []string{s.queueTable, s.stateTable} {
		_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
			TableName: aws.String(table),
		})
		if err != nil {
			return fmt.Errorf("dynamodb ping failed for %s: %w", table, err)
		}
	}
	return nil
}

func (s *DynamoStore) ensureTables(ctx context.Context) error {
	if err := s.createTable(ctx, s.queueTable, true); err != nil {
		return err
	}
	return s.createTable(ctx, s.stateTable, false)
}

func (s *DynamoStore) createTable(ctx context.Context, name string, withSortKey bool) error {
	keySchema := []ddbtypes.KeySchemaElement{
		{AttributeName: aws.String("vault_id"), KeyType: ddbtypes.KeyTypeHash},
	}
	attrDefs := []ddbtypes.AttributeDefinition{
		{AttributeName: aws.String("vault_id"), AttributeType: ddbtypes.ScalarAttributeTypeS},
	}
	input := &dynamodb.CreateTableInput{
		TableName:   aws.String(name),
		BillingMode: ddbtypes.BillingModePayPerRequest,
	}
	if withSortKey {
		keySchema = append(keySchema, ddbtypes.KeySchemaElement{
			AttributeName: aws.String("sort_key"), KeyType: ddbtypes.KeyTypeRange,
		})
		attrDefs = append(attrDefs, ddbtypes.AttributeDefinition{
			AttributeName: aws.String("sort_key"), AttributeType: ddbtypes.ScalarAttributeTypeS,
		})
		// The queue table's change stream drives consumer wake-ups.
		input.StreamSpecification = &ddbtypes.StreamSpecification{
			StreamEnabled:  aws.Bool(true),
			StreamViewType: ddbtypes.StreamViewTypeNewAndOldImages,
		}
	}
	input.KeySchema = keySchema
	input.AttributeDefinitions = attrDefs

	_, err := s.client.CreateTable(ctx, input)
	if err != nil {
		var riue *ddbtypes.ResourceInUseException
		if errors.As(err, &riue) {
			return nil // table already exists
		}
		return fmt.Errorf("creating table %s: %w", name, err)
	}
	return nil
}

// withRetry runs op, retrying transient store errors with exponential
// backoff, bounded at maxRetryAttempts total attempts. Non-transient errors
// surface immediately.
func (s *DynamoStore) withRetry(ctx context.Context, name string, op func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetryAttempts-1), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			metrics.TransientRetries.Add(1)
			s.logger.Warn("transient store error, retrying", "op", name, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}
