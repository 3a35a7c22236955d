// Package mcp exposes kernel operations as Model Context Protocol tools and
// calls the wallet MCP server that executes transfers.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/Chimera/internal/domain/adjudication"
	"github.com/Strob0t/Chimera/internal/domain/budget"
	"github.com/Strob0t/Chimera/internal/domain/goal"
	"github.com/Strob0t/Chimera/internal/domain/task"
	"github.com/Strob0t/Chimera/internal/port/workqueue"
)

// ServerConfig holds the listen address and advertised identity.
type ServerConfig struct {
	Addr    string
	Name    string
	Version string
	APIKey  string

	// KeySource, when set, is consulted on every request instead of APIKey.
	KeySource func() string
}

// TaskReader reads tasks and goals.
type TaskReader interface {
	GetTask(ctx context.Context, id string) (*task.Task, error)
	GetGoal(ctx context.Context, id string) (*goal.Goal, error)
}

// Adjudicator applies a reviewer decision to a task.
type Adjudicator interface {
	Adjudicate(ctx context.Context, taskID string, req adjudication.Request) (*task.Task, error)
}

// HITLQueue lists tasks awaiting human review.
type HITLQueue interface {
	Queue(ctx context.Context) ([]task.Task, error)
}

// BudgetReader reports agent spend.
type BudgetReader interface {
	Usage(ctx context.Context, agentID string) (budget.Usage, error)
}

// QueueStats reports work queue depth.
type QueueStats interface {
	Depth(ctx context.Context) (workqueue.Depth, error)
}

// ServerDeps are the kernel services behind the tools. Nil deps make the
// corresponding tools return an error result.
type ServerDeps struct {
	Tasks       TaskReader
	Adjudicator Adjudicator
	HITL        HITLQueue
	Budget      BudgetReader
	Queue       QueueStats
}

// Server serves the kernel tools over streamable HTTP.
type Server struct {
	cfg       ServerConfig
	deps      ServerDeps
	mcpServer *mcpserver.MCPServer
	httpSrv   *http.Server
}

// NewServer creates the MCP server and registers tools and resources.
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		mcpServer: mcpserver.NewMCPServer(cfg.Name, cfg.Version,
			mcpserver.WithToolCapabilities(false),
			mcpserver.WithResourceCapabilities(false, false),
			mcpserver.WithRecovery(),
		),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying protocol server.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// Start listens on cfg.Addr and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("mcp listen %s: %w", s.cfg.Addr, err)
	}

	s.httpSrv = &http.Server{
		Handler:           s.authHandler(mcpserver.NewStreamableHTTPServer(s.mcpServer)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mcp server failed", "error", err)
		}
	}()
	slog.Info("mcp server started", "addr", ln.Addr().String())
	return nil
}

func (s *Server) authHandler(next http.Handler) http.Handler {
	if s.cfg.KeySource != nil {
		return KeySourceMiddleware(s.cfg.KeySource, next)
	}
	return AuthMiddleware(s.cfg.APIKey, next)
}

// Stop shuts the HTTP listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("mcp shutdown: %w", err)
	}
	slog.Info("mcp server stopped")
	return nil
}
