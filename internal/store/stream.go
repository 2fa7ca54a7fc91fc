package store

import (
	"github.com/aws/aws-lambda-go/events"

	"github.com/dwsmith1983/vaultflow/pkg/types"
)

// WakeFromStreamRecord converts a queue-table change record into a consumer
// wake-up event. Returns nil for records that should not wake anyone:
// removals, records without queue keys, or malformed sort keys.
//
// The stream delivers at-least-once and unordered across keys; the consumer
// treats every wake-up as "re-read the queue", so duplicates are harmless.
func WakeFromStreamRecord(record events.DynamoDBEventRecord) *types.WakeEvent {
	if record.EventName != "INSERT" && record.EventName != "MODIFY" {
		return nil
	}

	keys := record.Change.Keys
	vaultAttr, hasVault := keys["vault_id"]
	sortAttr, hasSort := keys["sort_key"]
	if !hasVault || !hasSort {
		return nil
	}

	lt, _, err := types.SplitSortKey(sortAttr.String())
	if err != nil {
		return nil
	}

	return &types.WakeEvent{VaultID: vaultAttr.String(), LoadType: lt}
}
