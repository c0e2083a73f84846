package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/studychat/internal/guidelines"
	"github.com/kalambet/studychat/internal/quota"
	"github.com/kalambet/studychat/internal/semcache"
)

// MCPGuidelines abstracts the guidelines retriever for the MCP layer.
type MCPGuidelines interface {
	Search(ctx context.Context, query string, topK int) []guidelines.Match
	Status() guidelines.Status
}

// MCPQuota abstracts quota lookups.
type MCPQuota interface {
	Check(ctx context.Context, uid string) (quota.Status, error)
}

// MCPCache abstracts semantic cache statistics.
type MCPCache interface {
	Stats(ctx context.Context, uid string) (semcache.Stats, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Guidelines MCPGuidelines
	Quota      MCPQuota
	Cache      MCPCache
	Now        func() time.Time // optional; defaults to time.Now
}

func (d MCPDeps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// NewMCPServer creates an MCP server with the studychat admin tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"studychat",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("studychat: study-assistant guidelines, per-user quotas and semantic cache statistics."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_guidelines",
			mcp.WithDescription("Semantically search the study guidelines knowledge base."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 3)")),
		),
		mcpSearchGuidelines(deps),
	)

	s.AddTool(
		mcp.NewTool("quota_status",
			mcp.WithDescription("Show how many answers a user has left in the current window."),
			mcp.WithString("user_id", mcp.Description("User ID"), mcp.Required()),
		),
		mcpQuotaStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("cache_stats",
			mcp.WithDescription("Summarize a user's semantic response cache."),
			mcp.WithString("user_id", mcp.Description("User ID"), mcp.Required()),
		),
		mcpCacheStats(deps),
	)

	s.AddTool(
		mcp.NewTool("guidelines_status",
			mcp.WithDescription("Report whether the guidelines index is loaded and how many entries it holds."),
		),
		mcpGuidelinesStatus(deps),
	)

	return s
}

func mcpSearchGuidelines(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil || query == "" {
			return mcpError("query is required"), nil
		}
		limit := req.GetInt("limit", guidelines.DefaultTopK)
		if limit <= 0 || limit > 50 {
			limit = guidelines.DefaultTopK
		}

		type result struct {
			Title      string  `json:"title"`
			Category   string  `json:"category"`
			Content    string  `json:"content"`
			Similarity float64 `json:"similarity"`
		}
		matches := deps.Guidelines.Search(ctx, query, limit)
		out := make([]result, 0, len(matches))
		for _, m := range matches {
			out = append(out, result{
				Title:      m.Document.Title,
				Category:   m.Document.Category,
				Content:    m.Document.Content,
				Similarity: m.Similarity,
			})
		}
		return mcpJSON(out)
	}
}

func mcpQuotaStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		uid, err := req.RequireString("user_id")
		if err != nil || validate.Var(uid, "required,excludesall=/") != nil {
			return mcpError("a valid user_id is required"), nil
		}
		st, err := deps.Quota.Check(ctx, uid)
		if err != nil {
			return mcpError(fmt.Sprintf("quota lookup failed: %v", err)), nil
		}
		return mcpJSON(quotaResponse{Status: st, ResetsIn: quota.TimeUntilReset(st.ResetAt, deps.now())})
	}
}

func mcpCacheStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		uid, err := req.RequireString("user_id")
		if err != nil || validate.Var(uid, "required,excludesall=/") != nil {
			return mcpError("a valid user_id is required"), nil
		}
		stats, err := deps.Cache.Stats(ctx, uid)
		if err != nil {
			return mcpError(fmt.Sprintf("cache stats failed: %v", err)), nil
		}
		return mcpJSON(stats)
	}
}

func mcpGuidelinesStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpJSON(deps.Guidelines.Status())
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
