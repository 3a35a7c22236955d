package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/Strob0t/Chimera/internal/config"
	"github.com/Strob0t/Chimera/internal/port/wallet"
)

// ErrTransferFailed is returned when the wallet tool reports an error.
var ErrTransferFailed = errors.New("wallet transfer failed")

type dialFunc func(ctx context.Context) (*mcpclient.Client, error)

// WalletExecutor implements wallet.Executor by calling a transfer tool on an
// external MCP server. The session is opened lazily and reopened after a
// transport failure.
type WalletExecutor struct {
	cfg  config.Wallet
	dial dialFunc

	mu     sync.Mutex
	client *mcpclient.Client
}

// NewWalletExecutor creates an executor for the configured wallet server.
func NewWalletExecutor(cfg config.Wallet) *WalletExecutor {
	return &WalletExecutor{cfg: cfg, dial: func(ctx context.Context) (*mcpclient.Client, error) {
		return dialWallet(ctx, cfg)
	}}
}

func dialWallet(ctx context.Context, cfg config.Wallet) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case "stdio":
		// Stdio clients start their subprocess on creation.
		return mcpclient.NewStdioMCPClient(cfg.Command, nil, cfg.Args...)
	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(cfg.Headers))
		}
		c, err := mcpclient.NewSSEMCPClient(cfg.URL, opts...)
		if err != nil {
			return nil, err
		}
		return c, c.Start(ctx)
	case "streamable_http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		c, err := mcpclient.NewStreamableHttpClient(cfg.URL, opts...)
		if err != nil {
			return nil, err
		}
		return c, c.Start(ctx)
	default:
		return nil, fmt.Errorf("unsupported wallet transport: %q", cfg.Transport)
	}
}

func (w *WalletExecutor) session(ctx context.Context) (*mcpclient.Client, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.client != nil {
		return w.client, nil
	}

	// Long-lived transports bind their stream to the dial context.
	c, err := w.dial(context.WithoutCancel(ctx))
	if err != nil {
		if c != nil {
			_ = c.Close()
		}
		return nil, fmt.Errorf("wallet connect: %w", err)
	}

	initReq := mcplib.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcplib.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcplib.Implementation{Name: "chimera", Version: "1.0.0"}
	res, err := c.Initialize(ctx, initReq)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("wallet initialize: %w", err)
	}
	slog.InfoContext(ctx, "wallet session opened", "server", res.ServerInfo.Name, "version", res.ServerInfo.Version)

	w.client = c
	return c, nil
}

func (w *WalletExecutor) reset(c *mcpclient.Client) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.client == c {
		_ = c.Close()
		w.client = nil
	}
}

// Transfer calls the wallet tool once. It is not retried here: a retry
// decision belongs to the caller, who holds the budget authorization.
func (w *WalletExecutor) Transfer(ctx context.Context, t wallet.Transfer) (wallet.Receipt, error) {
	if w.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.Timeout)
		defer cancel()
	}

	c, err := w.session(ctx)
	if err != nil {
		return wallet.Receipt{}, err
	}

	network := t.Network
	if network == "" {
		network = w.cfg.Network
	}
	req := mcplib.CallToolRequest{}
	req.Params.Name = w.cfg.ToolName
	req.Params.Arguments = map[string]any{
		"to":        t.To,
		"amount":    t.Amount.String(),
		"asset":     t.Asset,
		"network":   network,
		"reference": t.Reference,
	}

	res, err := c.CallTool(ctx, req)
	if err != nil {
		w.reset(c)
		return wallet.Receipt{}, fmt.Errorf("wallet call %s: %w", w.cfg.ToolName, err)
	}

	text := resultText(res)
	if res.IsError {
		return wallet.Receipt{}, fmt.Errorf("%w: %s", ErrTransferFailed, text)
	}
	return parseReceipt(text, t.Reference)
}

// Close ends the wallet session.
func (w *WalletExecutor) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.client == nil {
		return nil
	}
	err := w.client.Close()
	w.client = nil
	return err
}

func resultText(res *mcplib.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// parseReceipt accepts a JSON receipt or, for servers that reply in plain
// text, a bare transaction hash.
func parseReceipt(text, reference string) (wallet.Receipt, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return wallet.Receipt{}, fmt.Errorf("%w: empty tool result", ErrTransferFailed)
	}

	r := wallet.Receipt{Reference: reference}
	if strings.HasPrefix(text, "{") {
		if err := json.Unmarshal([]byte(text), &r); err != nil {
			return wallet.Receipt{}, fmt.Errorf("%w: parse receipt: %w", ErrTransferFailed, err)
		}
		if r.Reference == "" {
			r.Reference = reference
		}
	} else {
		r.TxHash = text
	}
	if r.TxHash == "" {
		return wallet.Receipt{}, fmt.Errorf("%w: receipt without tx_hash", ErrTransferFailed)
	}
	if r.Status == "" {
		r.Status = "submitted"
	}
	return r, nil
}
