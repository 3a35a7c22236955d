package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/Chimera/internal/domain/adjudication"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.getTaskTool(),
		s.getGoalTool(),
		s.listHITLQueueTool(),
		s.adjudicateTaskTool(),
		s.getBudgetUsageTool(),
		s.getQueueDepthTool(),
	)
}

func (s *Server) getTaskTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_task",
		mcplib.WithDescription("Get a task with its status, version and output"),
		mcplib.WithString("task_id", mcplib.Required(), mcplib.Description("The task ID")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetTask}
}

func (s *Server) getGoalTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_goal",
		mcplib.WithDescription("Get a goal and its status"),
		mcplib.WithString("goal_id", mcplib.Required(), mcplib.Description("The goal ID")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetGoal}
}

func (s *Server) listHITLQueueTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("list_hitl_queue",
		mcplib.WithDescription("List tasks awaiting human review"),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleListHITLQueue}
}

func (s *Server) adjudicateTaskTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("adjudicate_task",
		mcplib.WithDescription("Approve, park or reject a task result. Give a decision, a confidence score, or both."),
		mcplib.WithString("task_id", mcplib.Required(), mcplib.Description("The task ID")),
		mcplib.WithString("decision",
			mcplib.Enum(string(adjudication.DecisionApprove), string(adjudication.DecisionAsyncReview), string(adjudication.DecisionReject)),
			mcplib.Description("Explicit decision; overrides the score"),
		),
		mcplib.WithNumber("confidence", mcplib.Min(0), mcplib.Max(1), mcplib.Description("Confidence score in [0, 1]")),
		mcplib.WithString("comment", mcplib.Description("Reviewer comment")),
		mcplib.WithString("reviewer", mcplib.Description("Reviewer identity")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleAdjudicateTask}
}

func (s *Server) getBudgetUsageTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_budget_usage",
		mcplib.WithDescription("Get the day and week spend of an agent against its limits"),
		mcplib.WithString("agent_id", mcplib.Required(), mcplib.Description("The agent ID")),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetBudgetUsage}
}

func (s *Server) getQueueDepthTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_queue_depth",
		mcplib.WithDescription("Get the number of pending and in-flight tasks"),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleGetQueueDepth}
}

func (s *Server) handleGetTask(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Tasks == nil {
		return mcplib.NewToolResultError("task reader not configured"), nil
	}
	id, ok := stringArg(req, "task_id")
	if !ok {
		return mcplib.NewToolResultError("task_id is required"), nil
	}
	t, err := s.deps.Tasks.GetTask(ctx, id)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(fmt.Sprintf("failed to get task %s", id), err), nil
	}
	return jsonResult(t)
}

func (s *Server) handleGetGoal(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Tasks == nil {
		return mcplib.NewToolResultError("task reader not configured"), nil
	}
	id, ok := stringArg(req, "goal_id")
	if !ok {
		return mcplib.NewToolResultError("goal_id is required"), nil
	}
	g, err := s.deps.Tasks.GetGoal(ctx, id)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(fmt.Sprintf("failed to get goal %s", id), err), nil
	}
	return jsonResult(g)
}

func (s *Server) handleListHITLQueue(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.HITL == nil {
		return mcplib.NewToolResultError("hitl queue not configured"), nil
	}
	tasks, err := s.deps.HITL.Queue(ctx)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to list hitl queue", err), nil
	}
	return jsonResult(tasks)
}

func (s *Server) handleAdjudicateTask(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Adjudicator == nil {
		return mcplib.NewToolResultError("adjudicator not configured"), nil
	}
	id, ok := stringArg(req, "task_id")
	if !ok {
		return mcplib.NewToolResultError("task_id is required"), nil
	}

	args := req.GetArguments()
	decision, _ := stringArg(req, "decision")
	comment, _ := stringArg(req, "comment")
	reviewer, _ := stringArg(req, "reviewer")
	areq := adjudication.Request{
		Decision: adjudication.Decision(decision),
		Comment:  comment,
		Reviewer: reviewer,
	}
	if c, ok := args["confidence"].(float64); ok {
		areq.Confidence = &c
	}
	if areq.Reviewer == "" {
		areq.Reviewer = "mcp"
	}
	if err := areq.Validate(); err != nil {
		return mcplib.NewToolResultErrorFromErr("invalid adjudication", err), nil
	}

	t, err := s.deps.Adjudicator.Adjudicate(ctx, id, areq)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(fmt.Sprintf("failed to adjudicate task %s", id), err), nil
	}
	return jsonResult(t)
}

func (s *Server) handleGetBudgetUsage(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Budget == nil {
		return mcplib.NewToolResultError("budget reader not configured"), nil
	}
	id, ok := stringArg(req, "agent_id")
	if !ok {
		return mcplib.NewToolResultError("agent_id is required"), nil
	}
	u, err := s.deps.Budget.Usage(ctx, id)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to get budget usage", err), nil
	}
	return jsonResult(u)
}

func (s *Server) handleGetQueueDepth(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Queue == nil {
		return mcplib.NewToolResultError("queue not configured"), nil
	}
	d, err := s.deps.Queue.Depth(ctx)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to get queue depth", err), nil
	}
	return jsonResult(d)
}

func stringArg(req mcplib.CallToolRequest, name string) (string, bool) { //nolint:gocritic // hugeParam: mcp-go request type
	v, ok := req.GetArguments()[name].(string)
	return v, ok && v != ""
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal result", err), nil
	}
	return mcplib.NewToolResultText(string(data)), nil
}
