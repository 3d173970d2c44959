package stagedflow

import (
	"context"
	"time"
)

// Callbacks receives timing events from the runner. Unlike store listeners,
// callbacks see handler parameters and durations and are intended for
// telemetry.
type Callbacks interface {
	// Run-level callbacks
	BeforeRun(ctx context.Context, event *RunEvent)
	AfterRun(ctx context.Context, event *RunEvent)

	// Step-level callbacks
	BeforeStep(ctx context.Context, event *StepEvent)
	AfterStep(ctx context.Context, event *StepEvent)
}

// RunEvent provides context for run-level events
type RunEvent struct {
	InstanceID   string
	TemplateName string
	RetryOf      string
	Status       Status
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	StepCount    int
	Result       any
	Error        error
}

// StepEvent provides context for step-level events
type StepEvent struct {
	InstanceID   string
	TemplateName string
	StepID       string
	StepIndex    int
	Handler      string
	Parameters   map[string]any
	Result       any
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Error        error
}

// BaseCallbacks provides a default implementation that does nothing. Embed
// it to implement only the callbacks you need.
type BaseCallbacks struct{}

func (b *BaseCallbacks) BeforeRun(ctx context.Context, event *RunEvent) {
	// noop
}

func (b *BaseCallbacks) AfterRun(ctx context.Context, event *RunEvent) {
	// noop
}

func (b *BaseCallbacks) BeforeStep(ctx context.Context, event *StepEvent) {
	// noop
}

func (b *BaseCallbacks) AfterStep(ctx context.Context, event *StepEvent) {
	// noop
}

// CallbackChain invokes several callback implementations in order
type CallbackChain struct {
	callbacks []Callbacks
}

var _ Callbacks = (*CallbackChain)(nil)

// NewCallbackChain creates a new callback chain
func NewCallbackChain(callbacks ...Callbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add adds a callback to the chain
func (c *CallbackChain) Add(callback Callbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) BeforeRun(ctx context.Context, event *RunEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeRun(ctx, event)
	}
}

func (c *CallbackChain) AfterRun(ctx context.Context, event *RunEvent) {
	for _, callback := range c.callbacks {
		callback.AfterRun(ctx, event)
	}
}

func (c *CallbackChain) BeforeStep(ctx context.Context, event *StepEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeStep(ctx, event)
	}
}

func (c *CallbackChain) AfterStep(ctx context.Context, event *StepEvent) {
	for _, callback := range c.callbacks {
		callback.AfterStep(ctx, event)
	}
}
