package stagedflow

import (
	"context"
	"fmt"
	"maps"

	"github.com/go-viper/mapstructure/v2"
)

// TypedHandlerFunc wraps a function taking decoded parameters for use as a
// Handler. The instance input overlaid with the step parameters is decoded
// into P using its `mapstructure` tags. Strings are converted to numbers,
// booleans and durations where the field type asks for it.
func TypedHandlerFunc[P, R any](name string, fn func(ctx context.Context, req *StepRequest, params P) (R, error)) Handler {
	return &typedHandler[P, R]{name: name, fn: fn}
}

type typedHandler[P, R any] struct {
	name string
	fn   func(ctx context.Context, req *StepRequest, params P) (R, error)
}

func (h *typedHandler[P, R]) Name() string {
	return h.name
}

func (h *typedHandler[P, R]) Execute(ctx context.Context, req *StepRequest) (any, error) {
	var params P
	if err := DecodeParameters(req, &params); err != nil {
		return nil, err
	}
	return h.fn(ctx, req, params)
}

// DecodeParameters decodes the instance input overlaid with the step
// parameters into the struct pointed to by target.
func DecodeParameters(req *StepRequest, target any) error {
	merged := maps.Clone(req.Input)
	if merged == nil {
		merged = map[string]any{}
	}
	if req.Step != nil {
		maps.Copy(merged, req.Step.Parameters)
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(merged); err != nil {
		stepID := ""
		if req.Step != nil {
			stepID = req.Step.ID
		}
		return fmt.Errorf("step %q: invalid parameters: %w", stepID, err)
	}
	return nil
}
