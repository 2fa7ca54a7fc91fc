package alert

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"

	"github.com/dwsmith1983/vaultflow/internal/metrics"
)

// EventBridgeAPI is the subset of the EventBridge client used here.
type EventBridgeAPI interface {
	EnableRule(ctx context.Context, input *eventbridge.EnableRuleInput, opts ...func(*eventbridge.Options)) (*eventbridge.EnableRuleOutput, error)
	DisableRule(ctx context.Context, input *eventbridge.DisableRuleInput, opts ...func(*eventbridge.Options)) (*eventbridge.DisableRuleOutput, error)
}

// SchedulerControl pauses and resumes the producer's schedule by toggling
// its EventBridge rule. A consumer failure pauses the schedule so the
// backlog stops growing; a successful recovery drain resumes it.
type SchedulerControl struct {
	client   EventBridgeAPI
	ruleName string
	logger   *slog.Logger
}

// NewSchedulerControl creates a SchedulerControl for the named rule. Returns
// nil when no rule is configured; all methods are nil-safe no-ops then.
func NewSchedulerControl(ctx context.Context, ruleName, region string) (*SchedulerControl, error) {
	if ruleName == "" {
		return nil, nil
	}
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewSchedulerControlWithClient(eventbridge.NewFromConfig(awsCfg), ruleName), nil
}

// NewSchedulerControlWithClient creates a SchedulerControl around an
// existing client.
func NewSchedulerControlWithClient(client EventBridgeAPI, ruleName string) *SchedulerControl {
	return &SchedulerControl{client: client, ruleName: ruleName, logger: slog.Default()}
}

// Pause disables the schedule rule. Best-effort: failures are logged.
func (sc *SchedulerControl) Pause(ctx context.Context) {
	if sc == nil {
		return
	}
	_, err := sc.client.DisableRule(ctx, &eventbridge.DisableRuleInput{
		Name: aws.String(sc.ruleName),
	})
	if err != nil {
		sc.logger.Error("disabling schedule rule failed", "rule", sc.ruleName, "error", err)
		return
	}
	metrics.SchedulerPauses.Add(1)
	sc.logger.Info("schedule rule disabled", "rule", sc.ruleName)
}

// Resume re-enables the schedule rule.
func (sc *SchedulerControl) Resume(ctx context.Context) {
	if sc == nil {
		return
	}
	_, err := sc.client.EnableRule(ctx, &eventbridge.EnableRuleInput{
		Name: aws.String(sc.ruleName),
	})
	if err != nil {
		sc.logger.Error("enabling schedule rule failed", "rule", sc.ruleName, "error", err)
		return
	}
	metrics.SchedulerResumes.Add(1)
	sc.logger.Info("schedule rule enabled", "rule", sc.ruleName)
}
