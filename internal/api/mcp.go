package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/storyd/internal/engine"
	"github.com/kalambet/storyd/internal/jobs"
	"github.com/kalambet/storyd/internal/stories"
)

// MCPDeps holds dependencies for the MCP server. Stories and History are
// optional; the tools and resources backed by them are only registered
// when they are set.
type MCPDeps struct {
	Jobs    JobController
	Stories *stories.Store
	History HistoryStore
}

// NewMCPServer creates an MCP server exposing story generation as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"storyd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("storyd generates stories in the background: start a job, then poll it until its status is complete or error."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("start_story_generation",
			mcp.WithDescription("Start generating a story from a conversation. Returns a job id to poll with get_story_chunk."),
			mcp.WithString("messages", mcp.Description("JSON array of {role, content} message objects"), mcp.Required()),
		),
		mcpStartGeneration(deps),
	)

	s.AddTool(
		mcp.NewTool("get_story_chunk",
			mcp.WithDescription("Return the text generated so far and the job status. A finished job is removed once read."),
			mcp.WithString("job_id", mcp.Description("Job id returned by start_story_generation"), mcp.Required()),
		),
		mcpGetChunk(deps),
	)

	if deps.Stories != nil {
		s.AddTool(
			mcp.NewTool("list_stories",
				mcp.WithDescription("List saved stories, newest first."),
			),
			mcpListStories(deps),
		)
	}

	if deps.History != nil {
		s.AddResource(
			mcp.NewResource(
				"storyd://generations/recent",
				"Recent Generations",
				mcp.WithResourceDescription("Last 10 finished generations (prompts truncated)"),
				mcp.WithMIMEType("application/json"),
			),
			mcpResourceRecent(deps),
		)
	}

	return s
}

// parseMCPMessages accepts the messages argument either as a JSON-encoded
// string or as an already decoded array.
func parseMCPMessages(raw any) ([]engine.Message, error) {
	var data []byte
	switch v := raw.(type) {
	case nil:
		return nil, errors.New("messages is required")
	case string:
		data = []byte(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("invalid messages: %v", err)
		}
		data = b
	}

	var msgs []engine.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("invalid messages JSON: %v", err)
	}
	return msgs, nil
}

func mcpStartGeneration(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		msgs, err := parseMCPMessages(req.GetArguments()["messages"])
		if err != nil {
			return mcpError(err.Error()), nil
		}

		id, err := deps.Jobs.Start(msgs)
		if err != nil {
			if errors.Is(err, jobs.ErrClosed) {
				return mcpError("server is shutting down"), nil
			}
			return mcpError(fmt.Sprintf("failed to start generation: %v", err)), nil
		}

		return mcpJSON(map[string]string{"job_id": id})
	}
}

func mcpGetChunk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}

		job, err := deps.Jobs.Poll(id)
		if errors.Is(err, jobs.ErrNotFound) {
			return mcpError(fmt.Sprintf("job %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to poll job: %v", err)), nil
		}

		return mcpJSON(map[string]string{
			"text":   job.Text,
			"status": string(job.Status),
		})
	}
}

func mcpListStories(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		list, err := deps.Stories.List()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list stories: %v", err)), nil
		}
		return mcpJSON(map[string]any{"stories": list})
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		gens, err := deps.History.RecentGenerations(10, "")
		if err != nil {
			return nil, fmt.Errorf("failed to get recent generations: %w", err)
		}

		type generationSummary struct {
			ID         string `json:"id"`
			Status     string `json:"status"`
			FinishedAt string `json:"finished_at"`
			Prompt     string `json:"prompt"`
		}

		summaries := make([]generationSummary, len(gens))
		for i, g := range gens {
			prompt := g.Prompt
			if utf8.RuneCountInString(prompt) > 200 {
				runes := []rune(prompt)
				prompt = string(runes[:200]) + "..."
			}
			summaries[i] = generationSummary{
				ID:         g.ID,
				Status:     g.Status,
				FinishedAt: g.FinishedAt.Format(time.RFC3339),
				Prompt:     prompt,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal generations: %w", err)
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

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
