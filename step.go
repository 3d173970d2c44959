package stagedflow

import (
	"fmt"
	"time"
)

// StepDefinition describes a single step of a workflow template.
type StepDefinition struct {
	ID                 string         `json:"id" yaml:"id"`
	Title              string         `json:"title,omitempty" yaml:"title,omitempty"`
	Description        string         `json:"description,omitempty" yaml:"description,omitempty"`
	NominalDuration    time.Duration  `json:"nominal_duration,omitempty" yaml:"nominal_duration,omitempty"`
	FailureProbability float64        `json:"failure_probability,omitempty" yaml:"failure_probability,omitempty"`
	External           bool           `json:"external,omitempty" yaml:"external,omitempty"`
	Handler            string         `json:"handler,omitempty" yaml:"handler,omitempty"`
	Parameters         map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// HandlerName returns the name of the handler that executes the step.
func (s StepDefinition) HandlerName() string {
	if s.Handler != "" {
		return s.Handler
	}
	return s.ID
}

func (s *StepDefinition) validate() error {
	if s.ID == "" {
		return fmt.Errorf("step id required")
	}
	if s.FailureProbability < 0 || s.FailureProbability >= 1 {
		return fmt.Errorf("step %q: failure probability must be in [0,1)", s.ID)
	}
	if s.NominalDuration < 0 {
		return fmt.Errorf("step %q: nominal duration must not be negative", s.ID)
	}
	return nil
}

func (s *StepDefinition) copy() StepDefinition {
	c := *s
	c.Parameters = copyMap(s.Parameters)
	return c
}
