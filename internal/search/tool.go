package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/mailroom/internal/tools"
)

// maxCount caps the number of results one call may ask for.
const maxCount = 10

// ToolHandler returns a tools.Handler that searches through mgr and
// formats the results as text.
func ToolHandler(mgr *Manager) tools.Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		query, _ := args["query"].(string)
		query = strings.TrimSpace(query)
		if query == "" {
			return "", fmt.Errorf("web_search: query is required")
		}

		var opts Options
		if count, ok := args["count"].(float64); ok && count > 0 {
			opts.Count = min(int(count), maxCount)
		}
		if lang, ok := args["language"].(string); ok {
			opts.Language = lang
		}

		var results []Result
		var err error
		if provider, ok := args["provider"].(string); ok && provider != "" {
			results, err = mgr.SearchWith(ctx, provider, query, opts)
		} else {
			results, err = mgr.Search(ctx, query, opts)
		}
		if err != nil {
			return "", err
		}
		return FormatResults(results), nil
	}
}

// ToolDefinition returns the JSON Schema parameters for the web_search tool.
func ToolDefinition() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The search query string.",
			},
			"count": map[string]any{
				"type":        "integer",
				"description": "Maximum number of results to return (1-10). Default: 5.",
			},
			"language": map[string]any{
				"type":        "string",
				"description": "ISO 639-1 language code for results (e.g., 'en', 'de').",
			},
			"provider": map[string]any{
				"type":        "string",
				"description": "Search provider to use. Omit for default.",
			},
		},
		"required": []string{"query"},
	}
}

// Register adds the web_search tool to reg.
func Register(reg *tools.Registry, mgr *Manager) {
	reg.Register(&tools.Tool{
		Name:        "web_search",
		Description: "Search the web and return titles, links and highlighted passages.",
		Parameters:  ToolDefinition(),
		Handler:     ToolHandler(mgr),
	})
}
