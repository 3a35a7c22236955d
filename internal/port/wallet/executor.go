// Package wallet defines the port for executing monetary transfers.
package wallet

import (
	"context"

	"github.com/shopspring/decimal"
)

// Transfer describes one outgoing payment.
type Transfer struct {
	To        string          `json:"to"`
	Amount    decimal.Decimal `json:"amount"`
	Asset     string          `json:"asset"`
	Network   string          `json:"network,omitempty"`
	Reference string          `json:"reference"` // idempotency reference derived from the task
}

// Receipt is the executor's confirmation of a transfer.
type Receipt struct {
	TxHash    string `json:"tx_hash"`
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

// Executor performs transfers. Callers must authorize spend before calling it.
type Executor interface {
	Transfer(ctx context.Context, t Transfer) (Receipt, error)
}
