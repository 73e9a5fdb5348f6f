package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	chronicle "github.com/goblincore/chronicle"
)

const chatURIPrefix = "chronicle://chats/"

// registerArchive wires the archive tools and per-chat resources onto the
// MCP server.
func registerArchive(ctx context.Context, server *mcp.Server, store *chronicle.Store) error {
	// --- Tool: search_archive ---
	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_archive",
		Description: "Keyword search over chat titles, summaries, and tags. Returns up to 10 matches, newest first.",
	}, searchArchiveHandler(store))

	// --- Tool: semantic_search ---
	mcp.AddTool(server, &mcp.Tool{
		Name:        "semantic_search",
		Description: "Find chats semantically similar to a given chat, ranked by embedding cosine similarity.",
	}, semanticSearchHandler(store))

	// --- Tool: list_recent_chats ---
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_recent_chats",
		Description: "List the most recently created chats in the archive.",
	}, listRecentHandler(store))

	// --- Tool: list_tags ---
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_tags",
		Description: "List every distinct tag in the archive.",
	}, listTagsHandler(store))

	// --- Resources: one per archived chat ---
	items, err := store.LoadItems(ctx)
	if err != nil {
		return fmt.Errorf("load items for resource listing: %w", err)
	}
	readHandler := chatResourceHandler(store)
	for _, it := range items {
		server.AddResource(&mcp.Resource{
			URI:         chatURIPrefix + it.ID,
			Name:        it.Title,
			Description: it.Summary,
			MIMEType:    "text/markdown",
		}, readHandler)
	}
	server.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: chatURIPrefix + "{id}",
		Name:        "Archived chat",
		Description: "Full markdown rendering of one archived chat or note.",
		MIMEType:    "text/markdown",
	}, readHandler)

	return nil
}

// --- Input types ---

type searchArchiveInput struct {
	Query       string   `json:"query"                  jsonschema:"Keyword or phrase to search titles, summaries, and tags for"`
	MemoryType  string   `json:"memory_type,omitempty"  jsonschema:"Filter to one memory type: episodic, semantic, procedural, emotional, default"`
	MinSalience *float64 `json:"min_salience,omitempty" jsonschema:"Only return chats with salience at or above this value (0.0-1.0)"`
}

type semanticSearchInput struct {
	TargetID    string   `json:"targetId"               jsonschema:"ID of the chat to find neighbours of"`
	Limit       int      `json:"limit,omitempty"        jsonschema:"Max results to return (default 5)"`
	MemoryType  string   `json:"memory_type,omitempty"  jsonschema:"Filter to one memory type"`
	MinSalience *float64 `json:"min_salience,omitempty" jsonschema:"Only return chats with salience at or above this value (0.0-1.0)"`
}

type listRecentInput struct {
	Count int `json:"count,omitempty" jsonschema:"How many chats to list (default 5)"`
}

type listTagsInput struct{}

// --- Handlers ---

func searchArchiveHandler(store *chronicle.Store) func(context.Context, *mcp.CallToolRequest, searchArchiveInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input searchArchiveInput) (*mcp.CallToolResult, any, error) {
		if strings.TrimSpace(input.Query) == "" {
			return errorResult("query is required"), nil, nil
		}
		filters := chronicle.SearchFilters{
			MemoryType:  chronicle.MemoryType(input.MemoryType),
			MinSalience: input.MinSalience,
		}
		items, err := store.KeywordSearch(ctx, input.Query, filters)
		if err != nil {
			return errorResult(fmt.Sprintf("search failed: %v", err)), nil, nil
		}

		out := make([]map[string]any, len(items))
		for i, it := range items {
			out[i] = itemToMap(it)
		}
		return textResult(jsonString(out)), nil, nil
	}
}

func semanticSearchHandler(store *chronicle.Store) func(context.Context, *mcp.CallToolRequest, semanticSearchInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input semanticSearchInput) (*mcp.CallToolResult, any, error) {
		if strings.TrimSpace(input.TargetID) == "" {
			return errorResult("targetId is required"), nil, nil
		}

		target, err := store.GetItem(ctx, input.TargetID)
		if errors.Is(err, chronicle.ErrNotFound) || (err == nil && len(target.Embedding) == 0) {
			return errorResult("Target chat not found or has no vector data."), nil, nil
		}
		if err != nil {
			return errorResult(fmt.Sprintf("load target failed: %v", err)), nil, nil
		}

		limit := input.Limit
		if limit <= 0 {
			limit = 5
		}
		filters := chronicle.SearchFilters{
			MemoryType:  chronicle.MemoryType(input.MemoryType),
			MinSalience: input.MinSalience,
			ExcludeID:   target.ID,
		}
		matches, err := store.VectorKNN(ctx, target.Embedding, limit, filters)
		if err != nil {
			return errorResult(fmt.Sprintf("vector search failed: %v", err)), nil, nil
		}

		out := make([]map[string]any, len(matches))
		for i, m := range matches {
			row := itemToMap(m.Item)
			row["score"] = 1 - m.Distance
			out[i] = row
		}
		return textResult(jsonString(out)), nil, nil
	}
}

func listRecentHandler(store *chronicle.Store) func(context.Context, *mcp.CallToolRequest, listRecentInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input listRecentInput) (*mcp.CallToolResult, any, error) {
		count := input.Count
		if count < 1 {
			count = 5
		}
		items, err := store.ListRecent(ctx, count)
		if err != nil {
			return errorResult(fmt.Sprintf("list recent failed: %v", err)), nil, nil
		}

		out := make([]map[string]any, len(items))
		for i, it := range items {
			out[i] = itemToMap(it)
		}
		return textResult(jsonString(out)), nil, nil
	}
}

func listTagsHandler(store *chronicle.Store) func(context.Context, *mcp.CallToolRequest, listTagsInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input listTagsInput) (*mcp.CallToolResult, any, error) {
		tags, err := store.ListTags(ctx)
		if err != nil {
			return errorResult(fmt.Sprintf("list tags failed: %v", err)), nil, nil
		}
		return textResult(strings.Join(tags, ", ")), nil, nil
	}
}

// --- Resources ---

func chatResourceHandler(store *chronicle.Store) func(context.Context, *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		uri := req.Params.URI
		id, ok := chatIDFromURI(uri)
		if !ok {
			return nil, fmt.Errorf("unrecognised resource URI: %s", uri)
		}

		item, err := store.GetItem(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", uri, err)
		}

		return &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{{
				URI:      uri,
				MIMEType: "text/markdown",
				Text:     renderChatMarkdown(item),
			}},
		}, nil
	}
}

// chatIDFromURI extracts the chat ID from a chronicle://chats/<id> URI.
func chatIDFromURI(uri string) (string, bool) {
	id, ok := strings.CutPrefix(uri, chatURIPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// renderChatMarkdown renders one archived item as a markdown document.
func renderChatMarkdown(it chronicle.Item) string {
	tags := "None"
	if len(it.Tags) > 0 {
		tags = strings.Join(it.Tags, ", ")
	}
	summary := it.Summary
	if summary == "" {
		summary = "No summary available."
	}
	date := time.UnixMilli(it.CreatedAt).Local().Format("January 2, 2006 3:04 PM")

	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", it.Title)
	fmt.Fprintf(&sb, "**Date:** %s\n", date)
	fmt.Fprintf(&sb, "**Source:** %s\n", it.Source)
	fmt.Fprintf(&sb, "**Tags:** %s\n", tags)
	fmt.Fprintf(&sb, "**Memory Type:** %s\n", it.MemoryType)
	fmt.Fprintf(&sb, "**Salience:** %.2f\n\n", it.Salience)
	fmt.Fprintf(&sb, "## Summary\n\n%s\n\n", summary)
	fmt.Fprintf(&sb, "## Transcript\n\n%s\n", it.Content)
	return sb.String()
}

// --- Helpers ---

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{
			&mcp.TextContent{Text: msg},
		},
	}
}

func itemToMap(it chronicle.Item) map[string]any {
	memType := it.MemoryType
	if memType == "" {
		memType = chronicle.MemoryDefault
	}
	return map[string]any{
		"id":          it.ID,
		"title":       it.Title,
		"summary":     it.Summary,
		"tags":        it.Tags,
		"source":      it.Source,
		"memory_type": memType,
		"salience":    it.Salience,
		"created_at":  time.UnixMilli(it.CreatedAt).Format(time.RFC3339),
	}
}

func jsonString(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error": "marshal: %v"}`, err)
	}
	return string(data)
}
