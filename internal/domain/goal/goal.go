// Package goal defines the Goal domain entity submitted to the orchestrator.
package goal

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the lifecycle state of a goal.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// IsTerminal returns true if the goal will not change status again.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Goal is a high-level objective decomposed into tasks.
type Goal struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	PersonaID   string          `json:"persona_id,omitempty"`
	Budget      decimal.Decimal `json:"budget"`
	Priority    int             `json:"priority"`
	Status      Status          `json:"status"`
	Version     int             `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// CreateRequest holds the fields needed to submit a goal.
type CreateRequest struct {
	Description string          `json:"description"`
	PersonaID   string          `json:"persona_id,omitempty"`
	Budget      decimal.Decimal `json:"budget"`
	Priority    int             `json:"priority"`
}

var (
	ErrDescriptionRequired = errors.New("description is required")
	ErrNegativeBudget      = errors.New("budget must be >= 0")
	ErrPriorityRange       = errors.New("priority must be within 0..10")
)

// Validate checks the request for structural correctness.
func (r *CreateRequest) Validate() error {
	if r.Description == "" {
		return ErrDescriptionRequired
	}
	if r.Budget.IsNegative() {
		return ErrNegativeBudget
	}
	if r.Priority < 0 || r.Priority > 10 {
		return ErrPriorityRange
	}
	return nil
}
