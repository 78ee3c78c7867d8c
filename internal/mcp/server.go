package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/phasegate/internal/engine"
	"github.com/joescharf/phasegate/internal/models"
	"github.com/joescharf/phasegate/internal/report"
	"github.com/joescharf/phasegate/internal/store"
)

// EngineFunc returns the engine for a project.
type EngineFunc func(project string) (*engine.Engine, error)

// Server exposes the workflow operations as MCP tools. Tool calls are
// serialized: the engine assumes a single operator.
type Server struct {
	store   store.Store
	engines EngineFunc
	version string

	mu sync.Mutex
}

// NewServer creates the MCP server wrapper.
func NewServer(s store.Store, engines EngineFunc, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{store: s, engines: engines, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("phasegate", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.listProjectsTool())
	srv.AddTool(s.statusTool())
	srv.AddTool(s.setModeTool())
	srv.AddTool(s.executeTool())
	srv.AddTool(s.reviewTool())
	srv.AddTool(s.checkTransitionTool())
	srv.AddTool(s.decideTool())
	srv.AddTool(s.nextPhaseTool())
	srv.AddTool(s.nextIterationTool())
	srv.AddTool(s.rollbackTool())
	srv.AddTool(s.blockingIssuesTool())
	srv.AddTool(s.reportTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func projectParam() mcp.ToolOption {
	return mcp.WithString("project", mcp.Required(), mcp.Description("Project name"))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// withEngine resolves the project's engine and runs fn under the server lock.
func (s *Server) withEngine(request mcp.CallToolRequest, fn func(*engine.Engine) (*mcp.CallToolResult, error)) (*mcp.CallToolResult, error) {
	project, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: project"), nil
	}
	if err := store.ValidateProjectName(project); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	eng, err := s.engines(project)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to open project %s: %v", project, err)), nil
	}
	return fn(eng)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// phasegate_list_projects
func (s *Server) listProjectsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("phasegate_list_projects",
		mcp.WithDescription("List all projects with persisted workflow state. Returns a JSON array of project names."),
	)
	return tool, s.handleListProjects
}

func (s *Server) handleListProjects(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.store.List(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list projects: %v", err)), nil
	}
	if names == nil {
		names = []string{}
	}
	return jsonResult(names)
}

// phasegate_status
func (s *Server) statusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("phasegate_status",
		mcp.WithDescription("Get the workflow status of a project: phase, iteration, mode, latest score, blocking issue count and rollback counters. Creates the project if it does not exist."),
		projectParam(),
	)
	return tool, s.handleStatus
}

func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.withEngine(request, func(eng *engine.Engine) (*mcp.CallToolResult, error) {
		snap, err := eng.Status(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to get status: %v", err)), nil
		}
		return jsonResult(snap)
	})
}

// phasegate_set_mode
func (s *Server) setModeTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("phasegate_set_mode",
		mcp.WithDescription("Switch a project between developer mode (produce artifacts) and reviewer mode (review them)."),
		projectParam(),
		mcp.WithString("mode", mcp.Required(), mcp.Description("developer or reviewer")),
	)
	return tool, s.handleSetMode
}

func (s *Server) handleSetMode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	modeStr, err := request.RequireString("mode")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: mode"), nil
	}
	mode, err := engine.ParseMode(modeStr)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.withEngine(request, func(eng *engine.Engine) (*mcp.CallToolResult, error) {
		if err := eng.SetMode(ctx, mode); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to set mode: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Mode set to %s", mode)), nil
	})
}

// phasegate_execute
func (s *Server) executeTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("phasegate_execute",
		mcp.WithDescription("Produce the artifact for the current phase iteration (developer mode only). Returns the phase, iteration, artifact content and whether the fallback template was used."),
		projectParam(),
	)
	return tool, s.handleExecute
}

func (s *Server) handleExecute(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.withEngine(request, func(eng *engine.Engine) (*mcp.CallToolResult, error) {
		res, err := eng.Execute(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to execute phase: %v", err)), nil
		}
		return jsonResult(res)
	})
}

// phasegate_review
func (s *Server) reviewTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("phasegate_review",
		mcp.WithDescription("Review the current phase artifact (reviewer mode only). Returns the review result with score, issues and improvement suggestions."),
		projectParam(),
	)
	return tool, s.handleReview
}

func (s *Server) handleReview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.withEngine(request, func(eng *engine.Engine) (*mcp.CallToolResult, error) {
		rr, err := eng.Review(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to review phase: %v", err)), nil
		}
		return jsonResult(rr)
	})
}

// phasegate_check_transition
func (s *Server) checkTransitionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("phasegate_check_transition",
		mcp.WithDescription("Check whether the latest review passes the quality gate for the current phase."),
		projectParam(),
	)
	return tool, s.handleCheckTransition
}

func (s *Server) handleCheckTransition(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.withEngine(request, func(eng *engine.Engine) (*mcp.CallToolResult, error) {
		ok, err := eng.CheckPhaseTransition(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to check transition: %v", err)), nil
		}
		rc, err := eng.CheckRollbackNeeded(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to check rollback: %v", err)), nil
		}
		return jsonResult(map[string]any{
			"can_advance": ok,
			"rollback":    rc,
		})
	})
}

// phasegate_decide
func (s *Server) decideTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("phasegate_decide",
		mcp.WithDescription("Recommend PASS, RETRY or ROLLBACK for the current phase based on the latest review. Does not change state."),
		projectParam(),
	)
	return tool, s.handleDecide
}

func (s *Server) handleDecide(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.withEngine(request, func(eng *engine.Engine) (*mcp.CallToolResult, error) {
		d, err := eng.Decide(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to decide: %v", err)), nil
		}
		return jsonResult(d)
	})
}

// phasegate_next_phase
func (s *Server) nextPhaseTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("phasegate_next_phase",
		mcp.WithDescription("Advance to the next phase regardless of the quality gate. Marks the project COMPLETED when already in the last phase."),
		projectParam(),
	)
	return tool, s.handleNextPhase
}

func (s *Server) handleNextPhase(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.withEngine(request, func(eng *engine.Engine) (*mcp.CallToolResult, error) {
		st, err := eng.ForceNextPhase(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to advance phase: %v", err)), nil
		}
		if st.Status == models.StatusCompleted {
			return mcp.NewToolResultText("All phases complete"), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Advanced to %s", st.CurrentPhase)), nil
	})
}

// phasegate_next_iteration
func (s *Server) nextIterationTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("phasegate_next_iteration",
		mcp.WithDescription("Start another iteration of the current phase."),
		projectParam(),
	)
	return tool, s.handleNextIteration
}

func (s *Server) handleNextIteration(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.withEngine(request, func(eng *engine.Engine) (*mcp.CallToolResult, error) {
		st, err := eng.NextIteration(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to start iteration: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("%s iteration %d", st.CurrentPhase, st.PhaseIteration)), nil
	})
}

// phasegate_rollback
func (s *Server) rollbackTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("phasegate_rollback",
		mcp.WithDescription("Roll the project back to the previous phase. When target is omitted the target suggested by the latest review is used."),
		projectParam(),
		mcp.WithString("target", mcp.Description("Phase to roll back to (BASIC_DESIGN, DETAIL_DESIGN)")),
		mcp.WithString("reason", mcp.Description("Why the rollback is needed")),
	)
	return tool, s.handleRollback
}

func (s *Server) handleRollback(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	targetStr := request.GetString("target", "")
	reason := request.GetString("reason", "")

	return s.withEngine(request, func(eng *engine.Engine) (*mcp.CallToolResult, error) {
		var target models.Phase
		if targetStr != "" {
			p, err := models.ParsePhase(targetStr)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			target = p
		} else {
			rc, err := eng.CheckRollbackNeeded(ctx)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("failed to check rollback: %v", err)), nil
			}
			if !rc.Needed {
				return mcp.NewToolResultError("no rollback needed and no target given"), nil
			}
			target = rc.Target
			if reason == "" {
				reason = rc.Issue
			}
		}

		st, err := eng.RollbackToPhase(ctx, target, reason)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to roll back: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Rolled back to %s (rollback %d)", st.CurrentPhase, st.RollbackCount)), nil
	})
}

// phasegate_blocking_issues
func (s *Server) blockingIssuesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("phasegate_blocking_issues",
		mcp.WithDescription("List the outstanding critical issues of a project. Set clear=true to empty the list after returning it."),
		projectParam(),
		mcp.WithBoolean("clear", mcp.Description("Clear the blocking issues after listing them")),
	)
	return tool, s.handleBlockingIssues
}

func (s *Server) handleBlockingIssues(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	clearAfter := request.GetBool("clear", false)
	return s.withEngine(request, func(eng *engine.Engine) (*mcp.CallToolResult, error) {
		issues, err := eng.BlockingIssues(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to list blocking issues: %v", err)), nil
		}
		if clearAfter {
			if err := eng.ClearBlocking(ctx); err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("failed to clear blocking issues: %v", err)), nil
			}
		}
		return jsonResult(issues)
	})
}

// phasegate_report
func (s *Server) reportTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("phasegate_report",
		mcp.WithDescription("Render the project report with score history, blocking issues, improvements and review history."),
		projectParam(),
		mcp.WithString("format", mcp.Description("markdown (default), json or csv")),
	)
	return tool, s.handleReport
}

func (s *Server) handleReport(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format := request.GetString("format", report.FormatMarkdown)
	return s.withEngine(request, func(eng *engine.Engine) (*mcp.CallToolResult, error) {
		r, err := report.Build(ctx, eng, time.Now().UTC())
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to build report: %v", err)), nil
		}
		var buf bytes.Buffer
		if err := report.Write(&buf, r, format); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(buf.String()), nil
	})
}
