// Package oracle defines the capability port of the external reasoning model.
package oracle

import (
	"context"
	"encoding/json"
)

// Role selects the configuration (model, prompt) the oracle reasons with.
type Role string

const (
	RolePlanner Role = "planner"
	RoleWorker  Role = "worker"
	RoleJudge   Role = "judge"
)

// Reasoner turns a JSON input into a JSON output for a role. The output is
// untrusted and must be validated by the caller.
type Reasoner interface {
	Reason(ctx context.Context, role Role, input json.RawMessage) (json.RawMessage, error)
}
