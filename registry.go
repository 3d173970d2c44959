package stagedflow

import (
	"sort"
	"sync"
)

// Registry holds the templates known to a runner. Templates are registered
// once at startup and read concurrently afterwards.
type Registry struct {
	mutex     sync.RWMutex
	templates map[string]*Template
}

// NewRegistry returns a registry holding the given templates.
func NewRegistry(templates ...*Template) (*Registry, error) {
	r := &Registry{templates: make(map[string]*Template, len(templates))}
	for _, t := range templates {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a template. It fails with a *DuplicateTemplateError if the
// name is already registered.
func (r *Registry) Register(t *Template) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.templates == nil {
		r.templates = map[string]*Template{}
	}
	if _, exists := r.templates[t.Name()]; exists {
		return &DuplicateTemplateError{Name: t.Name()}
	}
	r.templates[t.Name()] = t
	return nil
}

// Get returns the named template or an *UnknownTemplateError.
func (r *Registry) Get(name string) (*Template, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	t, ok := r.templates[name]
	if !ok {
		return nil, &UnknownTemplateError{Name: name}
	}
	return t, nil
}

// Names returns the sorted names of all registered templates
func (r *Registry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
