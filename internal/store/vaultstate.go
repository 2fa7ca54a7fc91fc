package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/dwsmith1983/vaultflow/pkg/types"
)

// GetVaultState reads the vault's state record with a strongly consistent read.
func (s *DynamoStore) GetVaultState(ctx context.Context, vaultID string) (*types.VaultState, error) {
	var out *dynamodb.GetItemOutput
	err := s.withRetry(ctx, "GetVaultState", func() error {
		var err error
		out, err = s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(s.stateTable),
			ConsistentRead: aws.Bool(true),
			Key: map[string]ddbtypes.AttributeValue{
				"vault_id": &ddbtypes.AttributeValueMemberS{Value: vaultID},
			},
		})
		return classify(err)
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, fmt.Errorf("%w: vault state %s", ErrNotFound, vaultID)
	}

	var state types.VaultState
	if err := attributevalue.UnmarshalMap(out.Item, &state); err != nil {
		return nil, fmt.Errorf("unmarshaling vault state: %w", err)
	}
	return &state, nil
}

// InitVaultState creates the state record if absent. Creating an existing
// vault is a no-op so first-run bootstrap can race safely.
func (s *DynamoStore) InitVaultState(ctx context.Context, state types.VaultState) error {
	item, err := attributevalue.MarshalMap(state)
	if err != nil {
		return fmt.Errorf("marshaling vault state: %w", err)
	}

	err = s.withRetry(ctx, "InitVaultState", func() error {
		_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(s.stateTable),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(vault_id)"),
		})
		return classify(err)
	})
	if errors.Is(err, ErrPreconditionFailed) {
		return nil
	}
	return err
}

// UpdateVaultState applies a guarded mutation to the state record. The guard
// on current_epoch keeps watermark advances from a stale consumer (one that
// raced a full-load trigger) from landing.
func (s *DynamoStore) UpdateVaultState(ctx context.Context, vaultID string, expectedEpoch int64, upd StateUpdate) error {
	names := map[string]string{}
	values := map[string]ddbtypes.AttributeValue{
		":expected": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(expectedEpoch, 10)},
		":now":      &ddbtypes.AttributeValueMemberS{Value: s.now().UTC().Format(time.RFC3339Nano)},
	}
	set := "updated_at = :now"

	if upd.Mode != nil {
		values[":mode"] = &ddbtypes.AttributeValueMemberS{Value: string(*upd.Mode)}
		names["#mode"] = "mode"
		set += ", #mode = :mode"
	}
	if upd.LastAppliedStopTime != nil {
		values[":stop"] = &ddbtypes.AttributeValueMemberS{Value: upd.LastAppliedStopTime.UTC().Format(time.RFC3339Nano)}
		set += ", last_applied_stoptime = :stop"
	}
	if upd.LastAppliedLogDate != nil {
		values[":logdate"] = &ddbtypes.AttributeValueMemberS{Value: upd.LastAppliedLogDate.UTC().Format(time.RFC3339Nano)}
		set += ", last_applied_log_date = :logdate"
	}
	if upd.NewEpoch != nil {
		values[":epoch"] = &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(*upd.NewEpoch, 10)}
		set += ", current_epoch = :epoch"
	}
	if upd.FullLoadStartedAt != nil {
		values[":fls"] = &ddbtypes.AttributeValueMemberS{Value: upd.FullLoadStartedAt.UTC().Format(time.RFC3339Nano)}
		set += ", full_load_started_at = :fls"
	}

	input := &dynamodb.UpdateItemInput{
		TableName: aws.String(s.stateTable),
		Key: map[string]ddbtypes.AttributeValue{
			"vault_id": &ddbtypes.AttributeValueMemberS{Value: vaultID},
		},
		UpdateExpression:          aws.String("SET " + set),
		ConditionExpression:       aws.String("current_epoch = :expected"),
		ExpressionAttributeValues: values,
	}
	if len(names) > 0 {
		input.ExpressionAttributeNames = names
	}

	return s.withRetry(ctx, "UpdateVaultState", func() error {
		_, err := s.client.UpdateItem(ctx, input)
		return classify(err)
	})
}
