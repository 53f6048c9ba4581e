package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/brutev/fd-agent/internal/engine"
	"github.com/brutev/fd-agent/internal/errors"
	"github.com/brutev/fd-agent/internal/models"
	"github.com/brutev/fd-agent/internal/requirements"
)

type AnalyzeArgs struct {
	Path string `json:"path,omitempty" jsonschema:"Repository root to scan. Defaults to the server working directory"`
}

type GapReportArgs struct{}

type HandleChangeRequestArgs struct {
	Text string `json:"text" jsonschema:"The product requirement in plain language"`
}

type ReviseChangeRequestArgs struct {
	ID      string `json:"id" jsonschema:"Id of the stored change request to revise"`
	Pattern string `json:"pattern,omitempty" jsonschema:"Pattern to force instead of classifying again"`
	Text    string `json:"text,omitempty" jsonschema:"Replacement requirement text. Defaults to the original text"`
}

type GetChangeRequestArgs struct {
	ID string `json:"id" jsonschema:"Id of the stored change request"`
}

type ListChangeRequestsArgs struct {
	Pattern string `json:"pattern,omitempty" jsonschema:"Only list requests classified as this pattern"`
	Limit   int    `json:"limit,omitempty" jsonschema:"Maximum number of records, most recent last"`
}

type SearchArgs struct {
	Query string `json:"query" jsonschema:"What to look for, e.g. 'mandate cancellation screen'"`
	K     int    `json:"k,omitempty" jsonschema:"Number of results. Defaults to the configured top-k"`
}

type StatsArgs struct{}

type IngestContractsArgs struct {
	Path string `json:"path" jsonschema:"YAML, JSON or Excel (.xlsx) contracts file"`
}

type IngestRequirementsArgs struct {
	Path        string `json:"path" jsonschema:"Text or Markdown requirements document"`
	FeatureArea string `json:"feature_area,omitempty" jsonschema:"Feature area of every section. Defaults to unspecified"`
	Priority    string `json:"priority,omitempty" jsonschema:"Priority P0 to P3. Defaults to P2"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "analyze",
		Description: "Scans a Flutter/FastAPI/TypeScript repository and refreshes the feature graph and semantic index",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args AnalyzeArgs) (*mcp.CallToolResult, any, error) {
		root := args.Path
		if root == "" {
			root = s.defaultRoot
		}
		fg, err := s.engine.Analyze(ctx, root)
		if err != nil {
			return s.failure("analyze", err), nil, nil
		}
		return jsonResult(fg), nil, nil
	})

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "gap_report",
		Description: "Lists missing backends, missing endpoints, unused endpoints and near-miss paths between contracts, endpoints and client calls",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args GapReportArgs) (*mcp.CallToolResult, any, error) {
		entries, err := s.engine.GapReport(ctx)
		if err != nil {
			return s.failure("gap_report", err), nil, nil
		}
		return jsonResult(entries), nil, nil
	})

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "handle_change_request",
		Description: "Classifies a change request, retrieves related code and returns a stored implementation plan",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args HandleChangeRequestArgs) (*mcp.CallToolResult, any, error) {
		rec, err := s.engine.HandleChangeRequest(ctx, args.Text)
		if err != nil {
			return s.failure("handle_change_request", err), nil, nil
		}
		return jsonResult(rec), nil, nil
	})

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "revise_change_request",
		Description: "Re-plans a stored change request, optionally forcing a pattern. The new record supersedes the old one",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args ReviseChangeRequestArgs) (*mcp.CallToolResult, any, error) {
		rec, err := s.engine.ReviseChangeRequest(ctx, args.ID, engine.ReviseOptions{Pattern: args.Pattern, Text: args.Text})
		if err != nil {
			return s.failure("revise_change_request", err), nil, nil
		}
		return jsonResult(rec), nil, nil
	})

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_change_request",
		Description: "Returns a stored change request and its plan",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args GetChangeRequestArgs) (*mcp.CallToolResult, any, error) {
		rec, err := s.engine.GetChangeRequest(ctx, args.ID)
		if err != nil {
			return s.failure("get_change_request", err), nil, nil
		}
		return jsonResult(rec), nil, nil
	})

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "list_change_requests",
		Description: "Lists stored change requests oldest first",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args ListChangeRequestsArgs) (*mcp.CallToolResult, any, error) {
		recs, err := s.engine.ListChangeRequests(ctx, args.Pattern, args.Limit)
		if err != nil {
			return s.failure("list_change_requests", err), nil, nil
		}
		if recs == nil {
			recs = []*models.ChangeRequestRecord{}
		}
		return jsonResult(recs), nil, nil
	})

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "search",
		Description: "Finds widgets, endpoints, models and services related to a query",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args SearchArgs) (*mcp.CallToolResult, any, error) {
		items, err := s.engine.Search(ctx, args.Query, args.K)
		if err != nil {
			return s.failure("search", err), nil, nil
		}
		return jsonResult(items), nil, nil
	})

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "stats",
		Description: "Returns graph, index and change request statistics",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args StatsArgs) (*mcp.CallToolResult, any, error) {
		stats, err := s.engine.Stats(ctx)
		if err != nil {
			return s.failure("stats", err), nil, nil
		}
		return jsonResult(stats), nil, nil
	})

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "ingest_contracts",
		Description: "Loads declared API contracts used by gap_report",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args IngestContractsArgs) (*mcp.CallToolResult, any, error) {
		n, err := s.engine.IngestContracts(ctx, args.Path)
		if err != nil {
			return s.failure("ingest_contracts", err), nil, nil
		}
		return textResult(fmt.Sprintf("Ingested %d contracts from %s", n, args.Path)), nil, nil
	})

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "ingest_requirements",
		Description: "Loads a business requirements document whose acceptance criteria feed change request plans",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args IngestRequirementsArgs) (*mcp.CallToolResult, any, error) {
		n, err := s.engine.IngestRequirements(ctx, args.Path, requirements.Options{
			Priority:    args.Priority,
			FeatureArea: args.FeatureArea,
		})
		if err != nil {
			return s.failure("ingest_requirements", err), nil, nil
		}
		return textResult(fmt.Sprintf("Ingested %d requirements from %s", n, args.Path)), nil, nil
	})
}

// failure turns an engine error into a tool error the client can show
func (s *Server) failure(tool string, err error) *mcp.CallToolResult {
	s.logger.Warn("tool failed", "tool", tool, "error", err)
	msg := err.Error()
	switch {
	case errors.IsUnclassifiable(err):
		msg = fmt.Sprintf("%s: %s", models.CRUnclassifiable, err)
	case errors.IsIndexUnavailable(err):
		msg = "semantic index unavailable: " + err.Error()
	}
	return errorResult(msg)
}

func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("encode result: %v", err))
	}
	return textResult(string(data))
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
		IsError: true,
	}
}
