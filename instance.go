package stagedflow

import (
	"maps"
	"slices"
	"time"

	"go.jetify.com/typeid"
)

// NewInstanceID returns a new UUID-based id for a workflow instance
func NewInstanceID() string {
	id, err := typeid.WithPrefix("inst")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Status represents the status of a workflow instance
type Status string

const (
	StatusPending                Status = "pending"
	StatusRunning                Status = "running"
	StatusAwaitingExternalAction Status = "awaiting_external_action"
	StatusSucceeded              Status = "succeeded"
	StatusFailed                 Status = "failed"
	StatusCancelled              Status = "cancelled"
)

// IsTerminal reports whether no further transition can follow the status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// InstanceError is the structured error recorded on a failed instance.
type InstanceError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Instance is one execution attempt of a template. Values returned by the
// store and the ledger are copies; modifying them has no effect.
type Instance struct {
	ID               string         `json:"id"`
	TemplateName     string         `json:"template_name"`
	Status           Status         `json:"status"`
	CurrentStepIndex int            `json:"current_step_index"`
	CurrentStepID    string         `json:"current_step_id,omitempty"`
	Input            map[string]any `json:"input,omitempty"`
	StepResults      map[string]any `json:"step_results,omitempty"`
	Result           any            `json:"result,omitempty"`
	Error            *InstanceError `json:"error,omitempty"`
	RetryOf          string         `json:"retry_of,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	StartedAt        time.Time      `json:"started_at,omitzero"`
	CompletedAt      time.Time      `json:"completed_at,omitzero"`
}

// Clone returns a deep copy of the instance. Nested maps and slices in the
// input, step results and result are copied too.
func (i *Instance) Clone() *Instance {
	c := *i
	c.Input = copyMap(i.Input)
	c.StepResults = copyMap(i.StepResults)
	c.Result = copyValue(i.Result)
	if i.Error != nil {
		e := *i.Error
		c.Error = &e
	}
	return &c
}

// Duration returns how long the instance ran, or zero if it has not finished.
func (i *Instance) Duration() time.Duration {
	if i.StartedAt.IsZero() || i.CompletedAt.IsZero() {
		return 0
	}
	return i.CompletedAt.Sub(i.StartedAt)
}

func newInstance(t *Template, input map[string]any, retryOf string, now time.Time) *Instance {
	return &Instance{
		ID:               NewInstanceID(),
		TemplateName:     t.Name(),
		Status:           StatusPending,
		CurrentStepIndex: -1,
		Input:            copyMap(input),
		StepResults:      map[string]any{},
		RetryOf:          retryOf,
		CreatedAt:        now,
	}
}

// copyMap returns a deep copy of m, preserving nil.
func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = copyValue(v)
	}
	return c
}

// copyValue copies the container types produced by handlers and by JSON or
// YAML decoding. Other values are returned as is.
func copyValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return copyMap(v)
	case []any:
		if v == nil {
			return v
		}
		c := make([]any, len(v))
		for i, item := range v {
			c[i] = copyValue(item)
		}
		return c
	case []map[string]any:
		if v == nil {
			return v
		}
		c := make([]map[string]any, len(v))
		for i, item := range v {
			c[i] = copyMap(item)
		}
		return c
	case map[string]string:
		return maps.Clone(v)
	case []string:
		return slices.Clone(v)
	default:
		return v
	}
}
