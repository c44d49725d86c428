package api

import (
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/voxlog/voxlog/internal/session"
	"github.com/voxlog/voxlog/internal/storage"
)

// NewMCPServer exposes the recording pipeline to MCP clients: segment
// listing, retry of failed uploads, and recorder status.
func NewMCPServer(sess *session.Session) *server.MCPServer {
	s := server.NewMCPServer(
		"voxlog",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("voxlog is a local audio segment recorder with reliable upload to remote storage."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_segments",
			mcp.WithDescription("List recorded audio segments with their upload status and transcription, newest first."),
			mcp.WithString("status", mcp.Description("Filter by sync status: pending, syncing, synced or failed")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		mcpListSegments(sess),
	)

	s.AddTool(
		mcp.NewTool("retry_failed",
			mcp.WithDescription("Retry uploading every failed or pending segment. Returns how many remain failed."),
		),
		mcpRetryFailed(sess),
	)

	s.AddTool(
		mcp.NewTool("recording_status",
			mcp.WithDescription("Report recorder state, segment duration, current input level and upload backlog."),
		),
		mcpRecordingStatus(sess),
	)

	s.AddResource(
		mcp.NewResource(
			"voxlog://segments",
			"Recorded Segments",
			mcp.WithResourceDescription("All recorded segments with upload status, as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSegments(sess),
	)

	return s
}

func mcpListSegments(sess *session.Session) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		statusFilter := storage.SyncStatus(req.GetString("status", ""))
		if statusFilter != "" && !statusFilter.Valid() {
			return mcpError(fmt.Sprintf("unknown status %q", statusFilter)), nil
		}

		segs, err := sess.ListSegments()
		if err != nil {
			return mcpError(fmt.Sprintf("listing segments failed: %v", err)), nil
		}

		views := make([]SegmentView, 0, limit)
		for _, seg := range segs {
			if statusFilter != "" && seg.SyncStatus != statusFilter {
				continue
			}
			v := viewOf(seg)
			if utf8.RuneCountInString(v.Transcription) > 200 {
				runes := []rune(v.Transcription)
				v.Transcription = string(runes[:200]) + "..."
			}
			views = append(views, v)
			if len(views) >= limit {
				break
			}
		}

		b, err := json.Marshal(views)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRetryFailed(sess *session.Session) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		remaining, err := sess.RetryAllFailed(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("retry failed: %v", err)), nil
		}
		if remaining == 0 {
			return mcpText("All segments uploaded."), nil
		}
		return mcpText(fmt.Sprintf("%d segment(s) still failing after retry.", remaining)), nil
	}
}

func mcpRecordingStatus(sess *session.Session) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := sess.Status()
		if err != nil {
			return mcpError(fmt.Sprintf("reading status failed: %v", err)), nil
		}
		b, err := json.Marshal(st)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceSegments(sess *session.Session) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		segs, err := sess.ListSegments()
		if err != nil {
			return nil, fmt.Errorf("failed to list segments: %w", err)
		}

		views := make([]SegmentView, len(segs))
		for i, seg := range segs {
			views[i] = viewOf(seg)
		}
		b, err := json.Marshal(views)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal segments: %w", err)
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
