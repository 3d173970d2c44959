// Package metrics records workflow activity as Prometheus metrics.
package metrics

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/stagedflow"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stagedflow"

// Step outcome label values
const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// Collector holds the workflow metrics. It observes the store through
// Listener and the runner through the Callbacks interface.
type Collector struct {
	stagedflow.BaseCallbacks

	instancesStarted    prometheus.Counter
	instancesFinished   *prometheus.CounterVec
	instancesActive     prometheus.Gauge
	stepDuration        *prometheus.HistogramVec
	runDuration         *prometheus.HistogramVec
	persistenceFailures prometheus.Counter
}

var _ stagedflow.Callbacks = (*Collector)(nil)

// New creates the workflow metrics and registers them with reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		instancesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_started_total",
			Help:      "Total number of workflow instances created",
		}),
		instancesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_finished_total",
			Help:      "Total number of workflow instances that reached a terminal status",
		}, []string{"template", "status"}),
		instancesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instances_active",
			Help:      "Number of workflow instances that are not yet terminal",
		}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of step handler invocations in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"template", "step", "outcome"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of workflow runs from first step to terminal status in seconds",
			Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"template", "status"}),
		persistenceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_persistence_failures_total",
			Help:      "Total number of ledger entries that could not be persisted",
		}),
	}
	for _, collector := range []prometheus.Collector{
		c.instancesStarted,
		c.instancesFinished,
		c.instancesActive,
		c.stepDuration,
		c.runDuration,
		c.persistenceFailures,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return c, nil
}

// Listener returns a store listener recording instance lifecycle metrics.
func (c *Collector) Listener() stagedflow.Listener {
	return c.handle
}

func (c *Collector) handle(event stagedflow.Event) {
	switch event.Type {
	case stagedflow.EventInstanceCreated:
		c.instancesStarted.Inc()
		c.instancesActive.Inc()
	case stagedflow.EventInstanceFinished:
		c.instancesActive.Dec()
		c.instancesFinished.WithLabelValues(event.Instance.TemplateName, string(event.Instance.Status)).Inc()
	case stagedflow.EventPersistenceFailed:
		c.persistenceFailures.Inc()
	default:
		// Step transitions are timed through callbacks
	}
}

// AfterStep records the duration of a handler invocation
func (c *Collector) AfterStep(ctx context.Context, event *stagedflow.StepEvent) {
	outcome := outcomeSuccess
	if event.Error != nil {
		outcome = outcomeFailure
	}
	c.stepDuration.WithLabelValues(event.TemplateName, event.StepID, outcome).Observe(event.Duration.Seconds())
}

// AfterRun records the duration of a run
func (c *Collector) AfterRun(ctx context.Context, event *stagedflow.RunEvent) {
	c.runDuration.WithLabelValues(event.TemplateName, string(event.Status)).Observe(event.Duration.Seconds())
}
