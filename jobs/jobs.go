package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Params carries the trigger payload into a job. Extra holds any keys
// beyond dry_run, passed through untouched.
type Params struct {
	DryRun bool
	Extra  map[string]any
}

// Job is one runnable batch job. Run returns a result map that ends up in
// the trigger response envelope.
type Job interface {
	Name() string
	Run(ctx context.Context, params Params) (map[string]any, error)
}

// Registry maps job names to jobs.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]Job)}
}

// Register adds a job. Registering the same name twice is a programmer
// error.
func (r *Registry) Register(job Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := job.Name()
	if _, exists := r.jobs[name]; exists {
		panic(fmt.Sprintf("job %q registered twice", name))
	}
	r.jobs[name] = job
}

func (r *Registry) Get(name string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[name]
	return job, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
