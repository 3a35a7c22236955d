// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrDuplicate indicates an entity with the same identifier already exists.
var ErrDuplicate = errors.New("duplicate: entity already exists")

// ErrValidation indicates a request failed input validation.
var ErrValidation = errors.New("validation failed")

// ErrInvalidTransition indicates a status change not allowed by the lifecycle.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrBudgetExceeded indicates a spend authorization was denied.
// Infrastructure failures during authorization are reported with this error too.
var ErrBudgetExceeded = errors.New("budget exceeded")

// ErrMalformedOutput indicates an external collaborator returned a payload
// that does not match the expected schema.
var ErrMalformedOutput = errors.New("malformed external output")

// ErrAdjudicationConflict indicates a finalize lost its compare-and-swap race.
// It wraps ErrConflict so callers matching on the generic conflict still work.
var ErrAdjudicationConflict = &adjudicationConflict{}

type adjudicationConflict struct{}

func (*adjudicationConflict) Error() string { return "adjudication conflict: task changed during finalize" }

func (*adjudicationConflict) Unwrap() error { return ErrConflict }
