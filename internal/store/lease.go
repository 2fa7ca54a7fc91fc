package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Lease items live in the state table alongside vault-state records, keyed by
// the lease key. Expiry is compared as epoch seconds so a crashed holder's
// lease can be stolen by conditional write alone.

// AcquireLease claims the lease key for owner. The write succeeds when the
// lease is unheld, expired, or already held by the same owner (re-entry).
func (s *DynamoStore) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	err := s.withRetry(ctx, "AcquireLease", func() error {
		_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(s.stateTable),
			Key: map[string]ddbtypes.AttributeValue{
				"vault_id": &ddbtypes.AttributeValueMemberS{Value: key},
			},
			UpdateExpression: aws.String("SET lock_owner = :owner, lock_expires_at = :exp"),
			ConditionExpression: aws.String(
				"attribute_not_exists(lock_owner) OR lock_expires_at < :now OR lock_owner = :owner"),
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":owner": &ddbtypes.AttributeValueMemberS{Value: owner},
				":exp":   &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(ttl).Unix(), 10)},
				":now":   &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
			},
		})
		return classify(err)
	})
	if errors.Is(err, ErrPreconditionFailed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RenewLease extends the lease iff owner still holds it and it has not
// already expired out from under them.
func (s *DynamoStore) RenewLease(ctx context.Context, key, owner string, ttl time.Duration) error {
	now := s.now()
	return s.withRetry(ctx, "RenewLease", func() error {
		_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(s.stateTable),
			Key: map[string]ddbtypes.AttributeValue{
				"vault_id": &ddbtypes.AttributeValueMemberS{Value: key},
			},
			UpdateExpression:    aws.String("SET lock_expires_at = :exp"),
			ConditionExpression: aws.String("lock_owner = :owner AND lock_expires_at >= :now"),
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":owner": &ddbtypes.AttributeValueMemberS{Value: owner},
				":exp":   &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(ttl).Unix(), 10)},
				":now":   &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
			},
		})
		return classify(err)
	})
}

// ReleaseLease drops the lease iff owner still holds it.
func (s *DynamoStore) ReleaseLease(ctx context.Context, key, owner string) error {
	err := s.withRetry(ctx, "ReleaseLease", func() error {
		_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(s.stateTable),
			Key: map[string]ddbtypes.AttributeValue{
				"vault_id": &ddbtypes.AttributeValueMemberS{Value: key},
			},
			UpdateExpression:    aws.String("REMOVE lock_owner, lock_expires_at"),
			ConditionExpression: aws.String("lock_owner = :owner"),
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":owner": &ddbtypes.AttributeValueMemberS{Value: owner},
			},
		})
		return classify(err)
	})
	if errors.Is(err, ErrPreconditionFailed) {
		return nil // someone else holds it; nothing to release
	}
	return err
}

// GetLease reads the current lease for key, or nil when unheld or expired.
func (s *DynamoStore) GetLease(ctx context.Context, key string) (*Lease, error) {
	var out *dynamodb.GetItemOutput
	err := s.withRetry(ctx, "GetLease", func() error {
		var err error
		out, err = s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(s.stateTable),
			ConsistentRead: aws.Bool(true),
			Key: map[string]ddbtypes.AttributeValue{
				"vault_id": &ddbtypes.AttributeValueMemberS{Value: key},
			},
		})
		return classify(err)
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, nil
	}

	ownerAttr, ok := out.Item["lock_owner"].(*ddbtypes.AttributeValueMemberS)
	if !ok {
		return nil, nil
	}
	expAttr, ok := out.Item["lock_expires_at"].(*ddbtypes.AttributeValueMemberN)
	if !ok {
		return nil, nil
	}
	exp, err := strconv.ParseInt(expAttr.Value, 10, 64)
	if err != nil {
		return nil, nil
	}
	if s.now().Unix() > exp {
		return nil, nil
	}

	return &Lease{Key: key, Owner: ownerAttr.Value, ExpiresAt: time.Unix(exp, 0).UTC()}, nil
}
