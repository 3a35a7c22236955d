package mcp

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

// registerResources registers all MCP resources on the server.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"chimera://hitl/queue",
			"HITL Queue",
			mcplib.WithResourceDescription("Tasks awaiting human review"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleHITLQueueResource,
	)

	s.mcpServer.AddResource(
		mcplib.NewResource(
			"chimera://queue/depth",
			"Work Queue Depth",
			mcplib.WithResourceDescription("Pending and in-flight task counts"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleQueueDepthResource,
	)
}

func (s *Server) handleHITLQueueResource(ctx context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.HITL == nil {
		return textResource(req.Params.URI, `{"error":"hitl queue not configured"}`), nil
	}
	tasks, err := s.deps.HITL.Queue(ctx)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return nil, err
	}
	return textResource(req.Params.URI, string(data)), nil
}

func (s *Server) handleQueueDepthResource(ctx context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Queue == nil {
		return textResource(req.Params.URI, `{"error":"queue not configured"}`), nil
	}
	d, err := s.deps.Queue.Depth(ctx)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return textResource(req.Params.URI, string(data)), nil
}

func textResource(uri, text string) []mcplib.ResourceContents {
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{URI: uri, MIMEType: "application/json", Text: text},
	}
}
