// Package plan defines the task graph produced by decomposing a goal and the
// rules for validating and scheduling it.
package plan

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Strob0t/Chimera/internal/domain/task"
)

// MaxDrafts bounds the number of tasks a single decomposition may produce.
const MaxDrafts = 64

var (
	ErrNoTasks       = errors.New("at least one task is required")
	ErrTooManyTasks  = fmt.Errorf("decomposition exceeds %d tasks", MaxDrafts)
	ErrRefRequired   = errors.New("task ref is required")
	ErrDuplicateRef  = errors.New("task ref is not unique")
	ErrUnknownType   = errors.New("unknown task type")
	ErrDAGCycle      = errors.New("task dependencies contain a cycle")
	ErrDAGInvalidRef = errors.New("task dependency names no draft and no existing task")
	ErrDepNotDone    = errors.New("external task dependency is not DONE")
)

// Decomposition is the structured output expected from the planner role.
type Decomposition struct {
	Tasks []Draft `json:"tasks"`
}

// Draft describes one task proposed by the planner. Refs are local to the
// decomposition; persisted tasks receive fresh IDs. A DependsOn entry that
// matches no ref names an existing task, which must already be DONE.
type Draft struct {
	Ref       string          `json:"ref"`
	Type      task.Type       `json:"type"`
	Input     json.RawMessage `json:"input,omitempty"`
	DependsOn []string        `json:"depends_on,omitempty"`
}

// ValidateResult checks the decomposition for structural correctness and
// verifies the dependency graph is acyclic.
func (d *Decomposition) ValidateResult() error {
	if len(d.Tasks) == 0 {
		return ErrNoTasks
	}
	if len(d.Tasks) > MaxDrafts {
		return ErrTooManyTasks
	}

	seen := make(map[string]struct{}, len(d.Tasks))
	for i := range d.Tasks {
		dr := &d.Tasks[i]
		if dr.Ref == "" {
			return fmt.Errorf("task %d: %w", i, ErrRefRequired)
		}
		if _, ok := seen[dr.Ref]; ok {
			return fmt.Errorf("task %q: %w", dr.Ref, ErrDuplicateRef)
		}
		seen[dr.Ref] = struct{}{}
		if !dr.Type.Valid() {
			return fmt.Errorf("task %q type %q: %w", dr.Ref, dr.Type, ErrUnknownType)
		}
		dr.DependsOn = task.NormalizeDependencies(dr.DependsOn)
	}

	return validateDAG(d.Tasks)
}

// ExternalDependencies returns the distinct dependencies that name no
// draft of d, in first-seen order.
func (d *Decomposition) ExternalDependencies() []string {
	refs := make(map[string]struct{}, len(d.Tasks))
	for i := range d.Tasks {
		refs[d.Tasks[i].Ref] = struct{}{}
	}
	var ext []string
	for i := range d.Tasks {
		for _, dep := range d.Tasks[i].DependsOn {
			if _, ok := refs[dep]; !ok {
				ext = append(ext, dep)
			}
		}
	}
	return task.NormalizeDependencies(ext)
}
