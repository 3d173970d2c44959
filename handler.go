package stagedflow

import "context"

// Handler performs the operation behind one kind of step. A nil error means
// the step succeeded and the returned value is recorded as its result.
type Handler interface {
	// Name of the handler, referenced by step definitions
	Name() string

	// Execute the step
	Execute(ctx context.Context, req *StepRequest) (any, error)
}

// StepRequest carries everything a handler may read about the step it is
// executing. The maps are copies owned by the handler.
type StepRequest struct {
	InstanceID   string
	TemplateName string
	Step         *StepDefinition
	StepIndex    int
	Input        map[string]any
	Results      map[string]any
}

// Parameter returns the named step parameter, falling back to the instance
// input of the same name.
func (r *StepRequest) Parameter(name string) (any, bool) {
	if r.Step != nil {
		if v, ok := r.Step.Parameters[name]; ok {
			return v, true
		}
	}
	v, ok := r.Input[name]
	return v, ok
}

// HandlerFunc adapts a function to the Handler interface.
func HandlerFunc(name string, fn func(ctx context.Context, req *StepRequest) (any, error)) Handler {
	return &funcHandler{name: name, fn: fn}
}

type funcHandler struct {
	name string
	fn   func(ctx context.Context, req *StepRequest) (any, error)
}

func (h *funcHandler) Name() string {
	return h.name
}

func (h *funcHandler) Execute(ctx context.Context, req *StepRequest) (any, error) {
	return h.fn(ctx, req)
}

func newStepRequest(inst *Instance, step *StepDefinition, index int) *StepRequest {
	stepCopy := step.copy()
	return &StepRequest{
		InstanceID:   inst.ID,
		TemplateName: inst.TemplateName,
		Step:         &stepCopy,
		StepIndex:    index,
		Input:        copyMap(inst.Input),
		Results:      copyMap(inst.StepResults),
	}
}
