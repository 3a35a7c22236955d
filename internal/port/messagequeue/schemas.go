package messagequeue

// GoalEventPayload is the schema for goals.* messages.
type GoalEventPayload struct {
	GoalID    string `json:"goal_id"`
	Status    string `json:"status"`
	TaskCount int    `json:"task_count,omitempty"`
	Error     string `json:"error,omitempty"`
}

// TaskEventPayload is the schema for tasks.* messages.
type TaskEventPayload struct {
	TaskID     string   `json:"task_id"`
	GoalID     string   `json:"goal_id"`
	Type       string   `json:"type"`
	Status     string   `json:"status"`
	Version    int      `json:"version"`
	Decision   string   `json:"decision,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// HITLEventPayload is the schema for hitl.* messages.
type HITLEventPayload struct {
	TaskID string `json:"task_id"`
	GoalID string `json:"goal_id,omitempty"`
}

// BudgetEventPayload is the schema for budget.* messages. Amount is a decimal string.
type BudgetEventPayload struct {
	AgentID string `json:"agent_id"`
	Amount  string `json:"amount"`
	DayKey  string `json:"day_key"`
	WeekKey string `json:"week_key"`
	Reason  string `json:"reason,omitempty"`
}
