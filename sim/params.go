package sim

import (
	"fmt"
	"strconv"
	"time"

	"github.com/deepnoodle-ai/stagedflow"
)

func toFloat(v any) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

func toString(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func floatParam(req *stagedflow.StepRequest, name string, def float64) (float64, error) {
	v, ok := req.Parameter(name)
	if !ok || v == nil {
		return def, nil
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, fmt.Errorf("parameter %q: expected a number, got %v", name, v)
	}
	return f, nil
}

func stringParam(req *stagedflow.StepRequest, name, def string) string {
	v, ok := req.Parameter(name)
	if !ok || v == nil {
		return def
	}
	return toString(v)
}

func boolParam(req *stagedflow.StepRequest, name string) bool {
	v, ok := req.Parameter(name)
	if !ok {
		return false
	}
	switch v := v.(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

func durationParam(req *stagedflow.StepRequest, name string, def time.Duration) (time.Duration, error) {
	v, ok := req.Step.Parameters[name]
	if !ok || v == nil {
		return def, nil
	}
	switch v := v.(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("parameter %q: %w", name, err)
		}
		return d, nil
	case int:
		return time.Duration(v) * time.Millisecond, nil
	case float64:
		return time.Duration(v * float64(time.Millisecond)), nil
	}
	return 0, fmt.Errorf("parameter %q: expected a duration, got %v", name, v)
}
