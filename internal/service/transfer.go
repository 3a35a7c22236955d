package service

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/sha3"

	chotel "github.com/Strob0t/Chimera/internal/adapter/otel"
	"github.com/Strob0t/Chimera/internal/domain"
	"github.com/Strob0t/Chimera/internal/domain/task"
	"github.com/Strob0t/Chimera/internal/port/wallet"
)

// SpendAuthorizer charges spend against an agent's budget.
type SpendAuthorizer interface {
	Authorize(ctx context.Context, agentID string, amount decimal.Decimal) error
}

// TransferInput is the task input of a TRANSACTION task.
type TransferInput struct {
	To      string          `json:"to"`
	Amount  decimal.Decimal `json:"amount"`
	Asset   string          `json:"asset"`
	Network string          `json:"network,omitempty"`
	AgentID string          `json:"agent_id,omitempty"`
}

// TransferResult is the task result of an executed transfer.
type TransferResult struct {
	TxHash    string `json:"tx_hash"`
	Reference string `json:"reference"`
	Status    string `json:"status"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
	Asset     string `json:"asset"`
	AgentID   string `json:"agent_id"`
}

// TransferSkill executes TRANSACTION tasks. Spend is authorized before the
// wallet is called and a denial never reaches the wallet. Failures after a
// successful authorization are permanent: a retry would charge the budget
// a second time.
type TransferSkill struct {
	budget       SpendAuthorizer
	executor     wallet.Executor
	defaultAgent string
	metrics      *chotel.Metrics
}

// NewTransferSkill creates a TransferSkill charging defaultAgent unless the
// task input names an agent.
func NewTransferSkill(budget SpendAuthorizer, executor wallet.Executor, defaultAgent string) *TransferSkill {
	return &TransferSkill{budget: budget, executor: executor, defaultAgent: defaultAgent}
}

// SetMetrics enables transfer latency metrics.
func (s *TransferSkill) SetMetrics(m *chotel.Metrics) { s.metrics = m }

// Handle implements Handler.
func (s *TransferSkill) Handle(ctx context.Context, t *task.Task) (_ json.RawMessage, err error) {
	var in TransferInput
	if err := json.Unmarshal(t.Input, &in); err != nil {
		return nil, fmt.Errorf("%w: %w: transfer input: %w", ErrPermanent, domain.ErrValidation, err)
	}
	if in.To == "" || in.Asset == "" {
		return nil, fmt.Errorf("%w: %w: transfer needs to and asset", ErrPermanent, domain.ErrValidation)
	}
	agentID := in.AgentID
	if agentID == "" {
		agentID = s.defaultAgent
	}

	ctx, span := chotel.StartTransferSpan(ctx, agentID, in.Amount.String(), in.Asset)
	defer func() { chotel.EndSpan(span, err) }()

	if err := s.budget.Authorize(ctx, agentID, in.Amount); err != nil {
		return nil, fmt.Errorf("transfer for task %s: %w", t.ID, err)
	}

	ref := TransferReference(t.ID)
	start := time.Now()
	receipt, err := s.executor.Transfer(ctx, wallet.Transfer{
		To:        in.To,
		Amount:    in.Amount,
		Asset:     in.Asset,
		Network:   in.Network,
		Reference: ref,
	})
	if s.metrics != nil {
		s.metrics.TransferLatency.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		slog.ErrorContext(ctx, "transfer failed after authorization",
			"audit", true, "task_id", t.ID, "agent_id", agentID, "amount", in.Amount.String(), "reference", ref, "error", err)
		return nil, fmt.Errorf("%w: transfer for task %s: %w", ErrPermanent, t.ID, err)
	}

	slog.InfoContext(ctx, "transfer executed",
		"audit", true, "task_id", t.ID, "agent_id", agentID, "amount", in.Amount.String(), "tx_hash", receipt.TxHash)
	return json.Marshal(TransferResult{
		TxHash:    receipt.TxHash,
		Reference: receipt.Reference,
		Status:    receipt.Status,
		To:        in.To,
		Amount:    in.Amount.String(),
		Asset:     in.Asset,
		AgentID:   agentID,
	})
}

// TransferReference derives the idempotency reference of a task's transfer:
// the hex Keccak-256 of the task id.
func TransferReference(taskID string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(taskID))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// OracleHandler executes a task through the worker role of the oracle.
func OracleHandler(o *Oracle) Handler {
	return HandlerFunc(o.Execute)
}
