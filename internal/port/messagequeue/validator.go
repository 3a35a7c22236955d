package messagequeue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject and that its identifying field is set.
// Unknown subjects only need to be valid JSON.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	var (
		target any
		check  func() error
	)
	switch {
	case strings.HasPrefix(subject, "goals."):
		p := &GoalEventPayload{}
		target, check = p, func() error { return required("goal_id", p.GoalID) }
	case strings.HasPrefix(subject, "tasks."):
		p := &TaskEventPayload{}
		target, check = p, func() error { return required("task_id", p.TaskID) }
	case strings.HasPrefix(subject, "hitl."):
		p := &HITLEventPayload{}
		target, check = p, func() error { return required("task_id", p.TaskID) }
	case strings.HasPrefix(subject, "budget."):
		p := &BudgetEventPayload{}
		target, check = p, func() error { return required("agent_id", p.AgentID) }
	default:
		return nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	if err := check(); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	return nil
}

func required(field, value string) error {
	if value == "" {
		return errors.New(field + " is required")
	}
	return nil
}
