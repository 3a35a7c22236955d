package memory

import (
	"context"
	"slices"
	"sync"
)

// HITLRegistry is an in-memory membership set that lists in insertion order.
type HITLRegistry struct {
	mu      sync.Mutex
	members []string
}

// NewHITLRegistry creates an empty registry.
func NewHITLRegistry() *HITLRegistry {
	return &HITLRegistry{}
}

func (r *HITLRegistry) Add(_ context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !slices.Contains(r.members, taskID) {
		r.members = append(r.members, taskID)
	}
	return nil
}

func (r *HITLRegistry) Remove(_ context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members = slices.DeleteFunc(r.members, func(id string) bool { return id == taskID })
	return nil
}

func (r *HITLRegistry) List(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.members), nil
}
