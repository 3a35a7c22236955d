// Package adjudication defines the confidence-gated decision applied to
// worker results before they are accepted.
package adjudication

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Decision is the outcome of adjudicating a worker result.
type Decision string

const (
	DecisionApprove     Decision = "APPROVE"
	DecisionAsyncReview Decision = "ASYNC_REVIEW"
	DecisionReject      Decision = "REJECT"
)

// Confidence thresholds. A score at or above ApproveThreshold is approved
// automatically, a score at or above ReviewThreshold is parked for human
// review, and anything lower is rejected.
const (
	ApproveThreshold = 0.90
	ReviewThreshold  = 0.70
)

// ErrConfidenceRange is returned for scores outside [0, 1] or NaN.
var ErrConfidenceRange = errors.New("confidence must be within [0, 1]")

// Valid reports whether d is one of the known decisions.
func (d Decision) Valid() bool {
	switch d {
	case DecisionApprove, DecisionAsyncReview, DecisionReject:
		return true
	}
	return false
}

// Classify maps a confidence score to a decision.
func Classify(confidence float64) Decision {
	switch {
	case confidence >= ApproveThreshold:
		return DecisionApprove
	case confidence >= ReviewThreshold:
		return DecisionAsyncReview
	default:
		return DecisionReject
	}
}

// ValidateConfidence rejects NaN and scores outside [0, 1].
func ValidateConfidence(confidence float64) error {
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		return fmt.Errorf("%v: %w", confidence, ErrConfidenceRange)
	}
	return nil
}

// Record is the adjudication outcome embedded in a task's output.
type Record struct {
	TaskID     string    `json:"task_id"`
	Confidence float64   `json:"confidence"`
	Decision   Decision  `json:"decision"`
	Comment    string    `json:"comment,omitempty"`
	Reviewer   string    `json:"reviewer,omitempty"`
	DecidedAt  time.Time `json:"decided_at"`
}

// NewRecord builds a record whose decision is derived from the confidence score.
func NewRecord(taskID string, confidence float64, comment string, now time.Time) (Record, error) {
	if err := ValidateConfidence(confidence); err != nil {
		return Record{}, err
	}
	return Record{
		TaskID:     taskID,
		Confidence: confidence,
		Decision:   Classify(confidence),
		Comment:    comment,
		DecidedAt:  now.UTC(),
	}, nil
}

// Request is an externally submitted adjudication (human reviewer or API).
// When Decision is empty it is derived from Confidence.
type Request struct {
	Decision   Decision `json:"decision,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Comment    string   `json:"comment,omitempty"`
	Reviewer   string   `json:"reviewer,omitempty"`
}

// Validate checks that the request carries a usable decision or score.
func (r *Request) Validate() error {
	if r.Decision != "" && !r.Decision.Valid() {
		return fmt.Errorf("unknown decision %q", r.Decision)
	}
	if r.Decision == "" && r.Confidence == nil {
		return errors.New("decision or confidence is required")
	}
	if r.Confidence != nil {
		return ValidateConfidence(*r.Confidence)
	}
	return nil
}

// Record converts the request into a record for the given task.
// An explicit decision overrides the score-derived one.
func (r *Request) Record(taskID string, now time.Time) Record {
	rec := Record{
		TaskID:    taskID,
		Comment:   r.Comment,
		Reviewer:  r.Reviewer,
		DecidedAt: now.UTC(),
	}
	if r.Confidence != nil {
		rec.Confidence = *r.Confidence
		rec.Decision = Classify(*r.Confidence)
	}
	if r.Decision != "" {
		rec.Decision = r.Decision
	}
	return rec
}
