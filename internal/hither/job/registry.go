package job

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/hither/internal/common/hithererrors"
)

// Registry maps function names to templates. Processes started by hither (pool children, batch
// workers, container entry points) look functions up here by name, so every binary that runs jobs
// must register the same templates.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

func NewRegistry() *Registry {
	return &Registry{templates: map[string]*Template{}}
}

// Register adds templates. Registering the same template twice is a no-op; registering a different
// template under an existing name is an error.
func (r *Registry) Register(templates ...*Template) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range templates {
		if t.Func == nil {
			return &hithererrors.ErrConfiguration{Name: t.Name, Message: "template has no function"}
		}
		if existing, ok := r.templates[t.Name]; ok && existing != t {
			return errors.Errorf("a different template is already registered as %s", t.Name)
		}
		r.templates[t.Name] = t
	}
	return nil
}

func (r *Registry) MustRegister(templates ...*Template) *Registry {
	if err := r.Register(templates...); err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Get(name string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[name]
	if !ok {
		return nil, &hithererrors.ErrNotFound{Type: "function", Value: name, Message: "functions must be registered before they can be run"}
	}
	return t, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := maps.Keys(r.templates)
	slices.Sort(names)
	return names
}
