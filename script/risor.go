package script

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/modules/all"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

// RisorScript is a compiled Risor expression
type RisorScript struct {
	engine *RisorEngine
	code   *compiler.Code
}

// Evaluate runs the script. The given globals override the engine defaults.
func (s *RisorScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	combined := maps.Clone(s.engine.globals)
	maps.Copy(combined, globals)
	value, err := risor.EvalCode(ctx, s.code, risor.WithGlobals(combined))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate risor script: %w", err)
	}
	return &RisorValue{obj: value}, nil
}

// RisorEngine compiles Risor expressions against a fixed set of global names
type RisorEngine struct {
	globals map[string]any
}

var _ Compiler = (*RisorEngine)(nil)

// NewRisorEngine returns an engine with the given default globals. Every
// global that a script may reference must have a default, since names are
// resolved at compile time.
func NewRisorEngine(globals map[string]any) *RisorEngine {
	return &RisorEngine{globals: globals}
}

// Compile parses and compiles the code
func (e *RisorEngine) Compile(ctx context.Context, code string) (Script, error) {
	ast, err := parser.Parse(ctx, code)
	if err != nil {
		return nil, err
	}
	names := slices.Sorted(maps.Keys(e.globals))
	compiled, err := compiler.Compile(ast, compiler.WithGlobalNames(names))
	if err != nil {
		return nil, err
	}
	return &RisorScript{engine: e, code: compiled}, nil
}

// DefaultGlobals returns the safe Risor builtins plus empty "input" and
// "results" maps, which the step handlers replace at evaluation time.
func DefaultGlobals() map[string]any {
	globals := map[string]any{}
	for name, value := range all.Builtins() {
		if safeBuiltins[name] {
			globals[name] = value
		}
	}
	globals["input"] = object.NewMap(map[string]object.Object{})
	globals["results"] = object.NewMap(map[string]object.Object{})
	return globals
}

// RisorValue wraps a Risor evaluation result
type RisorValue struct {
	obj object.Object
}

func (v *RisorValue) Value() any {
	return ToGo(v.obj)
}

func (v *RisorValue) IsTruthy() bool {
	return Truthy(v.obj)
}

func (v *RisorValue) String() string {
	switch o := v.obj.(type) {
	case *object.String:
		return o.Value()
	case *object.Int:
		return strconv.FormatInt(o.Value(), 10)
	case *object.Float:
		return strconv.FormatFloat(o.Value(), 'f', -1, 64)
	case *object.Bool:
		return strconv.FormatBool(o.Value())
	case *object.Time:
		return o.Value().Format(time.RFC3339)
	case *object.NilType:
		return ""
	default:
		return v.obj.Inspect()
	}
}
