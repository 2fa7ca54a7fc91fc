// consumer Lambda drains wake-up messages from SQS and drives the consumer
// orchestrator for each referenced vault. Reentrancy is safe: all state is
// in the control plane, and the per-vault lease makes concurrent deliveries
// exit cleanly.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	awslambda "github.com/aws/aws-lambda-go/lambda"

	intlambda "github.com/dwsmith1983/vaultflow/internal/lambda"
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

func handleSQSEvent(ctx context.Context, d *intlambda.Deps, event events.SQSEvent) error {
	orch, cleanup, err := d.NewConsumer()
	if err != nil {
		return err
	}
	defer cleanup()

	seen := map[types.WakeEvent]bool{}
	for _, msg := range event.Records {
		var wake types.WakeEvent
		if err := json.Unmarshal([]byte(msg.Body), &wake); err != nil {
			d.Logger.Warn("dropping malformed wake event", "messageID", msg.MessageId, "error", err)
			continue
		}
		if seen[wake] {
			continue
		}
		seen[wake] = true

		lt := types.LoadIncremental
		if wake.LoadType == types.LoadLog {
			lt = types.LoadLog
		}
		if err := orch.RunOnce(ctx, wake.VaultID, lt); err != nil {
			return err
		}
	}
	return nil
}

func handler(ctx context.Context, event events.SQSEvent) error {
	d, err := getDeps()
	if err != nil {
		return err
	}
	return handleSQSEvent(ctx, d, event)
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	awslambda.Start(handler)
}
