// producer Lambda runs one producer tick per scheduled EventBridge
// invocation: list available vendor windows past the watermark, stage them,
// register READY entries.
package main

import (
	"context"
	"log/slog"
	"os"
	"sync"

	awslambda "github.com/aws/aws-lambda-go/lambda"

	intlambda "github.com/dwsmith1983/vaultflow/internal/lambda"
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

func handler(ctx context.Context) error {
	d, err := getDeps()
	if err != nil {
		return err
	}
	p, err := d.NewProducer(ctx)
	if err != nil {
		return err
	}
	return p.Run(ctx)
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	awslambda.Start(handler)
}
