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

// scanPageSize bounds a single Query page while ScanForward paginates.
const scanPageSize = 50

// PutIfAbsent registers a window entry. The write is conditional on the key
// not existing; when it does exist the stored checksum decides between a
// no-op (producer retry) and a protocol error.
func (s *DynamoStore) PutIfAbsent(ctx context.Context, entry types.WindowEntry) error {
	item, err := attributevalue.MarshalMap(entry)
	if err != nil {
		return fmt.Errorf("marshaling entry: %w", err)
	}
	item["sort_key"] = &ddbtypes.AttributeValueMemberS{Value: entry.SortKey()}

	err = s.withRetry(ctx, "PutIfAbsent", func() error {
		_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(s.queueTable),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(vault_id)"),
		})
		return classify(err)
	})
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrPreconditionFailed) {
		return err
	}

	existing, getErr := s.GetEntry(ctx, entry.Key())
	if getErr != nil {
		return fmt.Errorf("reading existing entry after conditional failure: %w", getErr)
	}
	if existing.Checksum == entry.Checksum {
		return nil // idempotent re-registration
	}
	return fmt.Errorf("%w: key %s/%s", ErrDuplicateChecksum, entry.VaultID, entry.SortKey())
}

// GetEntry fetches a single queue entry with a strongly consistent read.
func (s *DynamoStore) GetEntry(ctx context.Context, key types.EntryKey) (*types.WindowEntry, error) {
	var out *dynamodb.GetItemOutput
	err := s.withRetry(ctx, "GetEntry", func() error {
		var err error
		out, err = s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(s.queueTable),
			ConsistentRead: aws.Bool(true),
			Key:            entryKeyAttrs(key),
		})
		return classify(err)
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, fmt.Errorf("%w: entry %s/%s", ErrNotFound, key.VaultID, key.SortKey)
	}

	var entry types.WindowEntry
	if err := attributevalue.UnmarshalMap(out.Item, &entry); err != nil {
		return nil, fmt.Errorf("unmarshaling entry: %w", err)
	}
	return &entry, nil
}

// ConditionalUpdate transitions an entry's status, guarded on the current
// status matching expected. The READY→PROCESSING edge of this CAS is what
// enforces single-flight together with the vault lease.
func (s *DynamoStore) ConditionalUpdate(ctx context.Context, key types.EntryKey, expected types.EntryStatus, upd EntryUpdate) error {
	names := map[string]string{"#status": "status"}
	values := map[string]ddbtypes.AttributeValue{
		":expected": &ddbtypes.AttributeValueMemberS{Value: string(expected)},
		":status":   &ddbtypes.AttributeValueMemberS{Value: string(upd.Status)},
		":now":      &ddbtypes.AttributeValueMemberS{Value: s.now().UTC().Format(time.RFC3339Nano)},
	}
	set := "#status = :status, updated_at = :now"

	if upd.IncrementAttempt {
		values[":one"] = &ddbtypes.AttributeValueMemberN{Value: "1"}
		set += ", attempt_count = attempt_count + :one"
	}
	if upd.LastError != "" {
		values[":err"] = &ddbtypes.AttributeValueMemberS{Value: upd.LastError}
		set += ", last_error = :err"
	}
	if upd.Epoch != nil {
		values[":epoch"] = &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(*upd.Epoch, 10)}
		set += ", epoch = :epoch"
	}

	return s.withRetry(ctx, "ConditionalUpdate", func() error {
		_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                 aws.String(s.queueTable),
			Key:                       entryKeyAttrs(key),
			UpdateExpression:          aws.String("SET " + set),
			ConditionExpression:       aws.String("attribute_exists(vault_id) AND #status = :expected"),
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
		})
		return classify(err)
	})
}

// ScanForward returns up to limit entries of the given load type in ascending
// sort-key order, strictly after the given watermark.
func (s *DynamoStore) ScanForward(ctx context.Context, vaultID string, lt types.LoadType, afterExclusive time.Time, limit int) ([]types.WindowEntry, error) {
	if limit <= 0 {
		limit = scanPageSize
	}
	after := types.SortKey(lt, afterExclusive)

	var (
		entries  []types.WindowEntry
		startKey map[string]ddbtypes.AttributeValue
	)
	for {
		var out *dynamodb.QueryOutput
		err := s.withRetry(ctx, "ScanForward", func() error {
			var err error
			out, err = s.client.Query(ctx, &dynamodb.QueryInput{
				TableName:              aws.String(s.queueTable),
				KeyConditionExpression: aws.String("vault_id = :v AND sort_key > :after"),
				FilterExpression:       aws.String("load_type = :lt"),
				ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
					":v":     &ddbtypes.AttributeValueMemberS{Value: vaultID},
					":after": &ddbtypes.AttributeValueMemberS{Value: after},
					":lt":    &ddbtypes.AttributeValueMemberS{Value: string(lt)},
				},
				ScanIndexForward:  aws.Bool(true),
				Limit:             aws.Int32(scanPageSize),
				ExclusiveStartKey: startKey,
			})
			return classify(err)
		})
		if err != nil {
			return nil, err
		}

		for _, item := range out.Items {
			var entry types.WindowEntry
			if err := attributevalue.UnmarshalMap(item, &entry); err != nil {
				s.logger.Warn("skipping corrupt queue entry", "vault", vaultID, "error", err)
				continue
			}
			entries = append(entries, entry)
			if len(entries) >= limit {
				return entries, nil
			}
		}

		if out.LastEvaluatedKey == nil {
			return entries, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func entryKeyAttrs(key types.EntryKey) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"vault_id": &ddbtypes.AttributeValueMemberS{Value: key.VaultID},
		"sort_key": &ddbtypes.AttributeValueMemberS{Value: key.SortKey},
	}
}
