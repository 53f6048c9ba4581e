package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	guidelinesURI = "fdagent://usage-guidelines"
	patternsURI   = "fdagent://patterns"
	schemaPrefix  = "fdagent://schemas/"
)

func (s *Server) registerResources() {
	s.mcpServer.AddResource(&mcp.Resource{
		URI:         guidelinesURI,
		Name:        "Usage Guidelines",
		Description: "How to drive fdagent from an assistant",
		MIMEType:    "text/markdown",
	}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		return &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{
				{URI: guidelinesURI, MIMEType: "text/markdown", Text: s.systemPrompt},
			},
		}, nil
	})

	s.mcpServer.AddResource(&mcp.Resource{
		URI:         patternsURI,
		Name:        "Change Request Patterns",
		Description: "Known patterns with keywords, templates and compliance tags",
		MIMEType:    "application/json",
	}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		data, err := json.MarshalIndent(s.engine.Patterns().Patterns(), "", "  ")
		if err != nil {
			return nil, err
		}
		return &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{
				{URI: patternsURI, MIMEType: "application/json", Text: string(data)},
			},
		}, nil
	})

	schemaMap := buildSchemaMap()
	s.mcpServer.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: schemaPrefix + "{tool_name}",
		Name:        "Tool Schema",
		Description: "JSON schema for the named tool's arguments",
		MIMEType:    "application/schema+json",
	}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		uri := req.Params.URI
		name := strings.TrimPrefix(uri, schemaPrefix)
		schemaJSON, ok := schemaMap[name]
		if !ok {
			return nil, mcp.ResourceNotFoundError(uri)
		}
		return &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{
				{URI: uri, MIMEType: "application/schema+json", Text: schemaJSON},
			},
		}, nil
	})
}

// buildSchemaMap maps tool names to the JSON schema of their arguments
func buildSchemaMap() map[string]string {
	m := make(map[string]string)
	addSchema[AnalyzeArgs](m, "analyze")
	addSchema[GapReportArgs](m, "gap_report")
	addSchema[HandleChangeRequestArgs](m, "handle_change_request")
	addSchema[ReviseChangeRequestArgs](m, "revise_change_request")
	addSchema[GetChangeRequestArgs](m, "get_change_request")
	addSchema[ListChangeRequestsArgs](m, "list_change_requests")
	addSchema[SearchArgs](m, "search")
	addSchema[StatsArgs](m, "stats")
	addSchema[IngestContractsArgs](m, "ingest_contracts")
	addSchema[IngestRequirementsArgs](m, "ingest_requirements")
	return m
}

func addSchema[T any](m map[string]string, name string) {
	schema, err := jsonschema.For[T](nil)
	if err != nil {
		panic(fmt.Sprintf("schema for %s: %v", name, err))
	}
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		panic(fmt.Sprintf("encode schema for %s: %v", name, err))
	}
	m[name] = string(data)
}
