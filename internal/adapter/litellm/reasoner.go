package litellm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/Chimera/internal/config"
	"github.com/Strob0t/Chimera/internal/port/oracle"
	"github.com/Strob0t/Chimera/internal/resilience"
)

const (
	reasonAttempts = 3
	reasonBackoff  = 500 * time.Millisecond
)

// Reasoner implements oracle.Reasoner with one chat completion per call. The
// role selects model, temperature and system prompt; the input is sent as
// the user message and JSON output is requested.
type Reasoner struct {
	client *Client
	roles  map[oracle.Role]config.Role
}

// NewReasoner binds the configured oracle roles to client.
func NewReasoner(client *Client, cfg config.Oracle) *Reasoner {
	return &Reasoner{
		client: client,
		roles: map[oracle.Role]config.Role{
			oracle.RolePlanner: cfg.Planner,
			oracle.RoleWorker:  cfg.Worker,
			oracle.RoleJudge:   cfg.Judge,
		},
	}
}

// Reason returns the raw completion content. Transient failures are retried.
func (r *Reasoner) Reason(ctx context.Context, role oracle.Role, input json.RawMessage) (json.RawMessage, error) {
	rc, ok := r.roles[role]
	if !ok {
		return nil, fmt.Errorf("unknown oracle role %q", role)
	}

	req := ChatRequest{
		Model: rc.Model,
		Messages: []ChatMessage{
			{Role: "system", Content: rc.SystemPrompt},
			{Role: "user", Content: string(input)},
		},
		Temperature:    rc.Temperature,
		MaxTokens:      rc.MaxTokens,
		ResponseFormat: &ResponseFormat{Type: "json_object"},
	}

	var resp *ChatResponse
	err := resilience.Retry(ctx, reasonAttempts, reasonBackoff, Retryable, func(attempt int) error {
		var err error
		resp, err = r.client.ChatCompletion(ctx, req)
		if err != nil && attempt < reasonAttempts && Retryable(err) {
			slog.WarnContext(ctx, "oracle call failed, retrying", "role", role, "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reason as %s: %w", role, err)
	}

	content, err := resp.Content()
	if err != nil {
		return nil, fmt.Errorf("reason as %s: %w", role, err)
	}
	slog.DebugContext(ctx, "oracle call completed",
		"role", role, "model", resp.Model, "total_tokens", resp.Usage.TotalTokens)
	return json.RawMessage(content), nil
}
