package script

import (
	"strings"

	"github.com/risor-io/risor/object"
)

// ToGo converts a Risor object to a plain Go value. Lists and sets become
// []any and maps become map[string]any.
func ToGo(obj object.Object) any {
	switch o := obj.(type) {
	case *object.String:
		return o.Value()
	case *object.Int:
		return o.Value()
	case *object.Float:
		return o.Value()
	case *object.Bool:
		return o.Value()
	case *object.Time:
		return o.Value()
	case *object.NilType:
		return nil
	case *object.List:
		result := make([]any, 0, len(o.Value()))
		for _, item := range o.Value() {
			result = append(result, ToGo(item))
		}
		return result
	case *object.Set:
		result := make([]any, 0, len(o.Value()))
		for _, item := range o.Value() {
			result = append(result, ToGo(item))
		}
		return result
	case *object.Map:
		result := make(map[string]any, len(o.Value()))
		for key, value := range o.Value() {
			result[key] = ToGo(value)
		}
		return result
	default:
		return obj.Inspect()
	}
}

// Truthy reports whether a Risor object counts as true. The string "false"
// is false so that conditions read from YAML behave as expected.
func Truthy(obj object.Object) bool {
	switch o := obj.(type) {
	case *object.Bool:
		return o.Value()
	case *object.Int:
		return o.Value() != 0
	case *object.Float:
		return o.Value() != 0.0
	case *object.String:
		val := o.Value()
		return val != "" && strings.ToLower(val) != "false"
	case *object.List:
		return len(o.Value()) > 0
	case *object.Map:
		return len(o.Value()) > 0
	default:
		return o.IsTruthy()
	}
}

// safeBuiltins lists the Risor builtins that are deterministic and free of
// side effects. Only these are visible to template expressions.
var safeBuiltins = map[string]bool{
	"all":      true,
	"any":      true,
	"bool":     true,
	"coalesce": true,
	"float":    true,
	"fmt":      true,
	"getattr":  true,
	"int":      true,
	"json":     true,
	"keys":     true,
	"len":      true,
	"list":     true,
	"map":      true,
	"math":     true,
	"regexp":   true,
	"reversed": true,
	"sorted":   true,
	"sprintf":  true,
	"string":   true,
	"strings":  true,
	"type":     true,
}
