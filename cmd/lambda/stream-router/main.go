// stream-router Lambda receives queue-table DynamoDB Stream events and
// enqueues consumer wake-ups. One SQS message per distinct (vault, load
// type) in the batch; duplicates are harmless because the consumer re-reads
// the queue on every wake-up.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	awslambda "github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	intlambda "github.com/dwsmith1983/vaultflow/internal/lambda"
	"github.com/dwsmith1983/vaultflow/internal/store"
	"github.com/dwsmith1983/vaultflow/pkg/types"
)

var (
	deps     *intlambda.Deps
	depsOnce sync.Once
	depsErr  error
)

func getDeps() (*intlambda.Deps, error) {
	depsOnce.Do(func() {
		deps, depsErr = intlambda.Init(context.Background())
	})
	return deps, depsErr
}

func handleStreamEvent(ctx context.Context, d *intlambda.Deps, event events.DynamoDBEvent) error {
	logger := d.Logger

	seen := map[types.WakeEvent]bool{}
	for _, record := range event.Records {
		wake := store.WakeFromStreamRecord(record)
		if wake == nil {
			continue
		}
		if seen[*wake] {
			continue
		}
		seen[*wake] = true

		body, err := json.Marshal(wake)
		if err != nil {
			return fmt.Errorf("marshaling wake event: %w", err)
		}
		_, err = d.SQSClient.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(d.Cfg.WakeQueueURL),
			MessageBody: aws.String(string(body)),
		})
		if err != nil {
			return fmt.Errorf("sending wake event for %s: %w", wake.VaultID, err)
		}
		logger.Info("wake event sent", "vault", wake.VaultID, "loadType", wake.LoadType)
	}
	return nil
}

func handler(ctx context.Context, event events.DynamoDBEvent) error {
	d, err := getDeps()
	if err != nil {
		return err
	}
	return handleStreamEvent(ctx, d, event)
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	awslambda.Start(handler)
}
