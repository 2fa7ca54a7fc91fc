// Package alert implements alert dispatching to multiple sinks and the
// pause-on-failure scheduler control.
package alert

import (
	"log/slog"

	"github.com/dwsmith1983/vaultflow/internal/metrics"
	"github.com/dwsmith1983/vaultflow/pkg/types"
)

// Sink is an alert destination.
type Sink interface {
	Send(alert types.Alert) error
	Name() string
}

// Dispatcher routes alerts to configured sinks.
type Dispatcher struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger}
}

// AddSink registers an alert destination.
func (d *Dispatcher) AddSink(s Sink) { d.sinks = append(d.sinks, s) }

// Dispatch sends an alert to all configured sinks. Sink failures are logged,
// never propagated; alerting must not fail the pipeline.
func (d *Dispatcher) Dispatch(alert types.Alert) {
	metrics.AlertsDispatched.Add(1)
	for _, sink := range d.sinks {
		if err := sink.Send(alert); err != nil {
			metrics.AlertsFailed.Add(1)
			d.logger.Error("sending alert failed", "sink", sink.Name(), "error", err)
		}
	}
}

// AlertFunc returns a callback suitable for components that take one.
func (d *Dispatcher) AlertFunc() func(types.Alert) {
	return d.Dispatch
}
