package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/deepnoodle-ai/stagedflow"
	"github.com/deepnoodle-ai/stagedflow/script"
)

// ScriptHandler computes a step result from a Risor expression. The step
// parameters it reads are:
//
//   - script: expression whose value is the step result
//   - fail_if: expression; when truthy the step fails
//   - fail_kind, fail_message: the error reported when fail_if is truthy
//   - message: text with ${...} expressions, logged when the step runs
//
// Expressions see the instance input as "input" and the results of
// completed steps as "results".
type ScriptHandler struct {
	name     string
	compiler script.Compiler

	mutex     sync.Mutex
	scripts   map[string]script.Script
	templates map[string]*script.Template
}

var _ stagedflow.Handler = (*ScriptHandler)(nil)

// NewScriptHandler returns a handler registered under the given name
func NewScriptHandler(name string, compiler script.Compiler) *ScriptHandler {
	return &ScriptHandler{
		name:      name,
		compiler:  compiler,
		scripts:   map[string]script.Script{},
		templates: map[string]*script.Template{},
	}
}

func (h *ScriptHandler) Name() string {
	return h.name
}

func (h *ScriptHandler) Execute(ctx context.Context, req *stagedflow.StepRequest) (any, error) {
	globals := map[string]any{
		"input":   req.Input,
		"results": req.Results,
	}

	if raw := stringParam(req, "message", ""); raw != "" {
		tmpl, err := h.template(raw)
		if err != nil {
			return nil, err
		}
		msg, err := tmpl.Eval(ctx, globals)
		if err != nil {
			return nil, err
		}
		stagedflow.LoggerFromContext(ctx).Info(msg)
	}

	if cond := stringParam(req, "fail_if", ""); cond != "" {
		value, err := h.evaluate(ctx, cond, globals)
		if err != nil {
			return nil, err
		}
		if value.IsTruthy() {
			kind := stringParam(req, "fail_kind", stagedflow.ErrorKindUnknown)
			message := stringParam(req, "fail_message", fmt.Sprintf("condition failed: %s", cond))
			return nil, stagedflow.NewStepError(kind, message)
		}
	}

	code := stringParam(req, "script", "")
	if code == "" {
		return nil, nil
	}
	value, err := h.evaluate(ctx, code, globals)
	if err != nil {
		return nil, err
	}
	return value.Value(), nil
}

func (h *ScriptHandler) evaluate(ctx context.Context, code string, globals map[string]any) (script.Value, error) {
	h.mutex.Lock()
	compiled, ok := h.scripts[code]
	h.mutex.Unlock()
	if !ok {
		var err error
		if compiled, err = h.compiler.Compile(ctx, code); err != nil {
			return nil, fmt.Errorf("failed to compile %q: %w", code, err)
		}
		h.mutex.Lock()
		h.scripts[code] = compiled
		h.mutex.Unlock()
	}
	return compiled.Evaluate(ctx, globals)
}

func (h *ScriptHandler) template(raw string) (*script.Template, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if tmpl, ok := h.templates[raw]; ok {
		return tmpl, nil
	}
	tmpl, err := script.NewTemplate(h.compiler, raw)
	if err != nil {
		return nil, err
	}
	h.templates[raw] = tmpl
	return tmpl, nil
}
