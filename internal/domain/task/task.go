// Package task defines the Task domain entity and its status lifecycle.
package task

import (
	"encoding/json"
	"time"

	"github.com/Strob0t/Chimera/internal/domain/adjudication"
)

// Type is the capability class a task requires from a worker.
type Type string

const (
	TypeResearch     Type = "RESEARCH"
	TypeContent      Type = "CONTENT"
	TypeDistribution Type = "DISTRIBUTION"
	TypeReply        Type = "REPLY"
	TypeTransaction  Type = "TRANSACTION"
)

// AllTypes returns every task type in declaration order.
func AllTypes() []Type {
	return []Type{TypeResearch, TypeContent, TypeDistribution, TypeReply, TypeTransaction}
}

// Valid reports whether t is a known task type.
func (t Type) Valid() bool {
	for _, known := range AllTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Status represents the current state of a task.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusReview     Status = "REVIEW"
	StatusDone       Status = "DONE"
	StatusError      Status = "ERROR"
)

// IsTerminal returns true if no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusError
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusInProgress, StatusReview, StatusDone, StatusError:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusQueued:     {StatusInProgress, StatusError},
	StatusInProgress: {StatusReview, StatusDone, StatusError, StatusQueued},
	StatusReview:     {StatusDone, StatusError},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StatusFor maps an adjudication decision to the status it finalizes a task into.
func StatusFor(d adjudication.Decision) (Status, bool) {
	switch d {
	case adjudication.DecisionApprove:
		return StatusDone, true
	case adjudication.DecisionAsyncReview:
		return StatusReview, true
	case adjudication.DecisionReject:
		return StatusError, true
	}
	return "", false
}

// Task is a unit of work derived from a goal.
type Task struct {
	ID           string          `json:"id"`
	GoalID       string          `json:"goal_id"`
	Type         Type            `json:"type"`
	Status       Status          `json:"status"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       *Output         `json:"output,omitempty"`
	Dependencies []string        `json:"dependencies"`
	Version      int             `json:"version"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Output holds the worker result and, once finalized, the adjudication record.
type Output struct {
	Result       json.RawMessage      `json:"result,omitempty"`
	Error        string               `json:"error,omitempty"`
	Adjudication *adjudication.Record `json:"adjudication,omitempty"`
}

// DependsOn reports whether id is one of the task's dependencies.
func (t *Task) DependsOn(id string) bool {
	for _, d := range t.Dependencies {
		if d == id {
			return true
		}
	}
	return false
}

// NormalizeDependencies removes duplicates while preserving the first occurrence order.
func NormalizeDependencies(deps []string) []string {
	out := make([]string, 0, len(deps))
	seen := make(map[string]struct{}, len(deps))
	for _, d := range deps {
		if d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}
