package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/drawparse/drawparse/internal/ai"
	"github.com/drawparse/drawparse/internal/jobs"
	"github.com/drawparse/drawparse/internal/taskdir"
)

// MCPExtractor is the subset of the extract service the MCP tools use.
type MCPExtractor interface {
	ExtractPage(ctx context.Context, taskID, filename string) (json.RawMessage, error)
	Summarize(ctx context.Context, taskID string, files []string) (json.RawMessage, *ai.Usage, error)
	MapToBudget(ctx context.Context, taskID string, summary json.RawMessage) (json.RawMessage, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Tasks   *taskdir.Store
	Extract MCPExtractor
}

// NewMCPServer creates an MCP server with the drawing extraction tools and
// resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"drawparse",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("drawparse — extract structured engineering data and budget tables from uploaded drawing sets."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("extract_page",
			mcp.WithDescription("Run AI extraction on one stored page image of a task and return the raw result."),
			mcp.WithString("task_id", mcp.Description("Task id returned by an upload"), mcp.Required()),
			mcp.WithString("filename", mcp.Description("Stored page image name, e.g. page.1.jpg"), mcp.Required()),
		),
		mcpExtractPage(deps),
	)

	s.AddTool(
		mcp.NewTool("summarize_task",
			mcp.WithDescription("Merge the stored per-page extraction results of a task into one normalized summary."),
			mcp.WithString("task_id", mcp.Description("Task id to summarize"), mcp.Required()),
			mcp.WithArray("files", mcp.Description("Page image names whose results should be merged"), mcp.Required()),
		),
		mcpSummarizeTask(deps),
	)

	s.AddTool(
		mcp.NewTool("map_budget",
			mcp.WithDescription("Project a normalized summary onto the budget table schema and persist it in the task."),
			mcp.WithString("task_id", mcp.Description("Task id to store the budget under"), mcp.Required()),
			mcp.WithString("summary", mcp.Description("Normalized summary JSON"), mcp.Required()),
		),
		mcpMapBudget(deps),
	)

	s.AddTool(
		mcp.NewTool("task_status",
			mcp.WithDescription("Return the background extraction status record of a task."),
			mcp.WithString("task_id", mcp.Description("Task id to inspect"), mcp.Required()),
		),
		mcpTaskStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("cleanup_task",
			mcp.WithDescription("Delete a task directory and all of its artifacts."),
			mcp.WithString("task_id", mcp.Description("Task id to delete"), mcp.Required()),
		),
		mcpCleanupTask(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"tasks://active",
			"Active Tasks",
			mcp.WithResourceDescription("Task ids currently present, with last-active timestamps"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceTasks(deps),
	)

	return s
}

func mcpExtractPage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcpError("task_id is required"), nil
		}
		filename, err := req.RequireString("filename")
		if err != nil {
			return mcpError("filename is required"), nil
		}

		result, err := deps.Extract.ExtractPage(ctx, taskID, filename)
		if err != nil {
			return mcpError(fmt.Sprintf("extraction failed: %v", err)), nil
		}
		return mcpText(string(result)), nil
	}
}

func mcpSummarizeTask(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcpError("task_id is required"), nil
		}
		files := req.GetStringSlice("files", nil)
		if len(files) == 0 {
			return mcpError("files is required"), nil
		}

		summary, _, err := deps.Extract.Summarize(ctx, taskID, files)
		if err != nil {
			return mcpError(fmt.Sprintf("summarization failed: %v", err)), nil
		}
		return mcpText(string(summary)), nil
	}
}

func mcpMapBudget(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcpError("task_id is required"), nil
		}
		summaryJSON, err := req.RequireString("summary")
		if err != nil {
			return mcpError("summary is required"), nil
		}
		if !json.Valid([]byte(summaryJSON)) {
			return mcpError("summary is not valid JSON"), nil
		}

		budget, err := deps.Extract.MapToBudget(ctx, taskID, json.RawMessage(summaryJSON))
		if err != nil {
			return mcpError(fmt.Sprintf("budget mapping failed: %v", err)), nil
		}
		return mcpText(string(budget)), nil
	}
}

func mcpTaskStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcpError("task_id is required"), nil
		}

		for _, file := range []string{jobs.PDFStatusFile, jobs.SelectionStatusFile} {
			var st jobs.Status
			readErr := deps.Tasks.ReadJSON(taskID, file, &st)
			if readErr == nil {
				b, err := json.Marshal(st)
				if err != nil {
					return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
				}
				return mcpText(string(b)), nil
			}
			if !errors.Is(readErr, taskdir.ErrNotFound) {
				return mcpError(fmt.Sprintf("reading status: %v", readErr)), nil
			}
		}
		return mcpError("task has no status record"), nil
	}
}

func mcpCleanupTask(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcpError("task_id is required"), nil
		}

		if err := deps.Tasks.Delete(taskID); err != nil {
			return mcpError(fmt.Sprintf("cleanup failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Deleted task %s", taskID)), nil
	}
}

func mcpResourceTasks(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		ids, err := deps.Tasks.Tasks()
		if err != nil {
			return nil, fmt.Errorf("listing tasks: %w", err)
		}

		type taskEntry struct {
			ID         string `json:"id"`
			LastActive string `json:"last_active,omitempty"`
		}

		entries := make([]taskEntry, len(ids))
		for i, id := range ids {
			entries[i] = taskEntry{ID: id}
			if last, ok, err := deps.Tasks.LastActive(id); err == nil && ok {
				entries[i].LastActive = last.UTC().Format(time.RFC3339)
			}
		}

		b, err := json.Marshal(entries)
		if err != nil {
			return nil, fmt.Errorf("marshaling task list: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
