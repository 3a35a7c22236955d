package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	chotel "github.com/Strob0t/Chimera/internal/adapter/otel"
	"github.com/Strob0t/Chimera/internal/domain"
	"github.com/Strob0t/Chimera/internal/domain/adjudication"
	"github.com/Strob0t/Chimera/internal/domain/goal"
	"github.com/Strob0t/Chimera/internal/domain/plan"
	"github.com/Strob0t/Chimera/internal/domain/task"
	"github.com/Strob0t/Chimera/internal/port/oracle"
)

// Oracle wraps the reasoning model with one typed call per role. Every reply
// is untrusted: it is checked against the expected schema here and rejected
// with domain.ErrMalformedOutput when it does not match.
type Oracle struct {
	reasoner oracle.Reasoner
	metrics  *chotel.Metrics
}

// NewOracle creates an Oracle backed by reasoner.
func NewOracle(reasoner oracle.Reasoner) *Oracle {
	return &Oracle{reasoner: reasoner}
}

// SetMetrics enables call duration metrics.
func (o *Oracle) SetMetrics(m *chotel.Metrics) { o.metrics = m }

type decomposeInput struct {
	GoalID      string      `json:"goal_id"`
	Description string      `json:"description"`
	PersonaID   string      `json:"persona_id,omitempty"`
	Budget      string      `json:"budget"`
	Priority    int         `json:"priority"`
	TaskTypes   []task.Type `json:"task_types"`
	MaxTasks    int         `json:"max_tasks"`
}

type executeInput struct {
	TaskID string          `json:"task_id"`
	GoalID string          `json:"goal_id"`
	Type   task.Type       `json:"type"`
	Input  json.RawMessage `json:"input,omitempty"`
}

type scoreInput struct {
	TaskID string          `json:"task_id"`
	Type   task.Type       `json:"type"`
	Input  json.RawMessage `json:"input,omitempty"`
	Result json.RawMessage `json:"result"`
}

type scoreOutput struct {
	Confidence *float64 `json:"confidence"`
	Comment    string   `json:"comment"`
}

// Decompose asks the planner for the task graph of g. The reply may be an
// object with a "tasks" array or the bare array. The graph is validated
// (types, refs, acyclic) before it is returned.
func (o *Oracle) Decompose(ctx context.Context, g *goal.Goal) (*plan.Decomposition, error) {
	out, err := o.call(ctx, oracle.RolePlanner, decomposeInput{
		GoalID:      g.ID,
		Description: sanitizePromptInput(g.Description),
		PersonaID:   g.PersonaID,
		Budget:      g.Budget.String(),
		Priority:    g.Priority,
		TaskTypes:   task.AllTypes(),
		MaxTasks:    plan.MaxDrafts,
	})
	if err != nil {
		return nil, err
	}

	var d plan.Decomposition
	if bytes.HasPrefix(out, []byte("[")) {
		err = json.Unmarshal(out, &d.Tasks)
	} else {
		err = json.Unmarshal(out, &d)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: planner reply: %w", domain.ErrMalformedOutput, err)
	}
	if err := d.ValidateResult(); err != nil {
		return nil, fmt.Errorf("%w: planner reply: %w", domain.ErrMalformedOutput, err)
	}
	return &d, nil
}

// Execute asks the worker role to carry out t and returns its JSON object result.
func (o *Oracle) Execute(ctx context.Context, t *task.Task) (json.RawMessage, error) {
	out, err := o.call(ctx, oracle.RoleWorker, executeInput{
		TaskID: t.ID,
		GoalID: t.GoalID,
		Type:   t.Type,
		Input:  t.Input,
	})
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(out, []byte("{")) {
		return nil, fmt.Errorf("%w: worker reply is not a JSON object", domain.ErrMalformedOutput)
	}
	return out, nil
}

// Score asks the judge role for a confidence score of result.
func (o *Oracle) Score(ctx context.Context, t *task.Task, result json.RawMessage) (float64, string, error) {
	out, err := o.call(ctx, oracle.RoleJudge, scoreInput{
		TaskID: t.ID,
		Type:   t.Type,
		Input:  t.Input,
		Result: result,
	})
	if err != nil {
		return 0, "", err
	}
	var s scoreOutput
	if err := json.Unmarshal(out, &s); err != nil {
		return 0, "", fmt.Errorf("%w: judge reply: %w", domain.ErrMalformedOutput, err)
	}
	if s.Confidence == nil {
		return 0, "", fmt.Errorf("%w: judge reply: confidence is required", domain.ErrMalformedOutput)
	}
	if err := adjudication.ValidateConfidence(*s.Confidence); err != nil {
		return 0, "", fmt.Errorf("%w: judge reply: %w", domain.ErrMalformedOutput, err)
	}
	return *s.Confidence, s.Comment, nil
}

func (o *Oracle) call(ctx context.Context, role oracle.Role, input any) (_ json.RawMessage, err error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal %s input: %w", role, err)
	}

	ctx, span := chotel.StartOracleSpan(ctx, string(role))
	start := time.Now()
	defer func() {
		if o.metrics != nil {
			o.metrics.OracleDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
				attribute.String("role", string(role)),
				attribute.Bool("error", err != nil),
			))
		}
		chotel.EndSpan(span, err)
	}()

	raw, err := o.reasoner.Reason(ctx, role, data)
	if err != nil {
		return nil, fmt.Errorf("oracle %s: %w", role, err)
	}
	out := extractJSON(string(raw))
	if out == "" || !json.Valid([]byte(out)) {
		return nil, fmt.Errorf("%w: %s reply is not JSON: %s", domain.ErrMalformedOutput, role, truncate(string(raw), 200))
	}
	return json.RawMessage(out), nil
}

// extractJSON pulls a JSON object or array out of a reply that may wrap it
// in markdown fences or prose.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	if json.Valid([]byte(s)) {
		return s
	}

	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		start := strings.Index(s, pair[0])
		end := strings.LastIndex(s, pair[1])
		if start >= 0 && end > start && json.Valid([]byte(s[start:end+1])) {
			return s[start : end+1]
		}
	}
	return s
}

// sanitizePromptInput strips control characters other than whitespace from
// user text forwarded to the oracle.
func sanitizePromptInput(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || r == '\r' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// isMalformed reports whether err came from an oracle reply that failed validation.
func isMalformed(err error) bool {
	return errors.Is(err, domain.ErrMalformedOutput)
}
