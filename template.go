package stagedflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TemplateOptions are used to configure a template.
type TemplateOptions struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Kind        string            `json:"kind,omitempty" yaml:"kind,omitempty"`
	Steps       []*StepDefinition `json:"steps" yaml:"steps"`
}

// Template is a named, ordered list of steps defining one kind of multi-step
// operation. Templates are immutable once created.
type Template struct {
	name        string
	description string
	kind        string
	steps       []StepDefinition
	stepIndex   map[string]int
}

// NewTemplate returns a new Template configured with the given options.
func NewTemplate(opts TemplateOptions) (*Template, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("template name required")
	}
	if len(opts.Steps) == 0 {
		return nil, fmt.Errorf("template %q: steps required", opts.Name)
	}
	steps := make([]StepDefinition, 0, len(opts.Steps))
	stepIndex := make(map[string]int, len(opts.Steps))
	for i, step := range opts.Steps {
		if step == nil {
			return nil, fmt.Errorf("template %q: step %d is empty", opts.Name, i)
		}
		if err := step.validate(); err != nil {
			return nil, fmt.Errorf("template %q: %w", opts.Name, err)
		}
		if _, exists := stepIndex[step.ID]; exists {
			return nil, fmt.Errorf("template %q: duplicate step id %q", opts.Name, step.ID)
		}
		stepIndex[step.ID] = i
		steps = append(steps, step.copy())
	}
	kind := opts.Kind
	if kind == "" {
		kind = opts.Name
	}
	return &Template{
		name:        opts.Name,
		description: opts.Description,
		kind:        kind,
		steps:       steps,
		stepIndex:   stepIndex,
	}, nil
}

// Name returns the template name
func (t *Template) Name() string {
	return t.name
}

// Description returns the template description
func (t *Template) Description() string {
	return t.description
}

// Kind returns the transaction type recorded in ledger summaries, e.g.
// "stake" or "convert". It defaults to the template name.
func (t *Template) Kind() string {
	return t.kind
}

// Len returns the number of steps
func (t *Template) Len() int {
	return len(t.steps)
}

// Step returns the step at index i
func (t *Template) Step(i int) StepDefinition {
	return t.steps[i].copy()
}

// Steps returns copies of the template steps in execution order
func (t *Template) Steps() []StepDefinition {
	steps := make([]StepDefinition, len(t.steps))
	for i := range t.steps {
		steps[i] = t.steps[i].copy()
	}
	return steps
}

// StepIndex returns the position of the step with the given id
func (t *Template) StepIndex(id string) (int, bool) {
	i, ok := t.stepIndex[id]
	return i, ok
}

// NominalDuration returns the sum of the nominal durations of all steps
func (t *Template) NominalDuration() time.Duration {
	var total time.Duration
	for _, step := range t.steps {
		total += step.NominalDuration
	}
	return total
}

// LoadTemplateFile loads a template from a YAML file
func LoadTemplateFile(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template file: %w", err)
	}
	return LoadTemplateString(string(data))
}

// LoadTemplateString loads a template from a YAML string
func LoadTemplateString(data string) (*Template, error) {
	var opts TemplateOptions
	if err := yaml.Unmarshal([]byte(data), &opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal template: %w", err)
	}
	return NewTemplate(opts)
}

// LoadTemplates loads every template of a multi-document YAML stream.
func LoadTemplates(r io.Reader) ([]*Template, error) {
	decoder := yaml.NewDecoder(r)
	var templates []*Template
	for {
		var opts TemplateOptions
		err := decoder.Decode(&opts)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal template %d: %w", len(templates)+1, err)
		}
		t, err := NewTemplate(opts)
		if err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, nil
}

// LoadTemplatesFile loads every template of a multi-document YAML file.
func LoadTemplatesFile(path string) ([]*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template file: %w", err)
	}
	return LoadTemplates(bytes.NewReader(data))
}
