package mcp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brutev/fd-agent/internal/config"
	"github.com/brutev/fd-agent/internal/engine"
	"github.com/brutev/fd-agent/internal/models"
)

const mandateRouter = `from fastapi import APIRouter

router = APIRouter(prefix="/api/v1/upi")


@router.post("/mandate/create")
async def create_mandate():
    return None
`

const mandateService = `class MandateService {
  final Dio _dio;
  MandateService(this._dio);

  Future<void> cancel() async {
    await _dio.post('/api/v1/upi/mandate/cancel');
  }
}
`

func connect(t *testing.T) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()

	root := t.TempDir()
	for rel, content := range map[string]string{
		"backend/app/routers/mandate.py": mandateRouter,
		"lib/mandate_service.dart":       mandateService,
	} {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.DataDir = dir
	cfg.Storage.LocalPath = ":memory:"
	cfg.Index.Path = filepath.Join(dir, "index.db")
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	eng, err := engine.New(ctx, cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	srv := NewServer(eng, "test", root)
	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	_, err = srv.Connect(ctx, serverTransport)
	require.NoError(t, err)

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })
	return session
}

func call(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) (string, bool) {
	t.Helper()
	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	return text.Text, res.IsError
}

func TestListTools(t *testing.T) {
	session := connect(t)
	res, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{
		"analyze",
		"gap_report",
		"get_change_request",
		"handle_change_request",
		"ingest_contracts",
		"ingest_requirements",
		"list_change_requests",
		"revise_change_request",
		"search",
		"stats",
	}, names)
}

func TestAnalyzeThenPlan(t *testing.T) {
	session := connect(t)

	text, isErr := call(t, session, "analyze", map[string]any{})
	require.False(t, isErr, text)
	var fg engine.FeatureGraph
	require.NoError(t, json.Unmarshal([]byte(text), &fg))
	assert.Equal(t, 1, fg.Endpoints)
	assert.Equal(t, 1, fg.ClientCalls)

	text, isErr = call(t, session, "gap_report", map[string]any{})
	require.False(t, isErr, text)
	var gaps []models.GapEntry
	require.NoError(t, json.Unmarshal([]byte(text), &gaps))
	kinds := make(map[models.GapKind]int)
	for _, g := range gaps {
		kinds[g.Kind]++
	}
	assert.Equal(t, 1, kinds[models.GapMissingEndpoint])
	assert.Equal(t, 1, kinds[models.GapUnusedEndpoint])

	text, isErr = call(t, session, "handle_change_request", map[string]any{
		"text": "Add UPI AutoPay mandate feature for recurring payments",
	})
	require.False(t, isErr, text)
	var rec models.ChangeRequestRecord
	require.NoError(t, json.Unmarshal([]byte(text), &rec))
	assert.Equal(t, "upi_autopay", rec.DetectedPattern)
	assert.Equal(t, models.CRPlanned, rec.States[len(rec.States)-1])

	text, isErr = call(t, session, "get_change_request", map[string]any{"id": rec.ID})
	require.False(t, isErr, text)
	assert.Contains(t, text, rec.ID)
}

func TestUnclassifiableIsToolError(t *testing.T) {
	session := connect(t)

	text, isErr := call(t, session, "handle_change_request", map[string]any{"text": "  "})
	assert.True(t, isErr)
	assert.Contains(t, text, string(models.CRUnclassifiable))

	text, isErr = call(t, session, "list_change_requests", map[string]any{})
	require.False(t, isErr, text)
	assert.JSONEq(t, "[]", text)
}

func TestIngestRequirements(t *testing.T) {
	session := connect(t)

	path := filepath.Join(t.TempDir(), "brd_upi.md")
	require.NoError(t, os.WriteFile(path, []byte("# AutoPay\nAC: User can pause a mandate\n# Limits\nAC: Limit shown\n"), 0644))

	text, isErr := call(t, session, "ingest_requirements", map[string]any{"path": path, "feature_area": "payments"})
	require.False(t, isErr, text)
	assert.Contains(t, text, "Ingested 2 requirements")

	text, isErr = call(t, session, "ingest_requirements", map[string]any{"path": filepath.Join(t.TempDir(), "brd.pdf")})
	assert.True(t, isErr)
	assert.Contains(t, text, "unsupported requirement document")
}

func TestResources(t *testing.T) {
	session := connect(t)
	ctx := context.Background()

	res, err := session.ReadResource(ctx, &mcp.ReadResourceParams{URI: patternsURI})
	require.NoError(t, err)
	require.Len(t, res.Contents, 1)
	assert.Contains(t, res.Contents[0].Text, `"upi_autopay"`)

	res, err = session.ReadResource(ctx, &mcp.ReadResourceParams{URI: schemaPrefix + "search"})
	require.NoError(t, err)
	require.Len(t, res.Contents, 1)
	assert.Contains(t, res.Contents[0].Text, `"query"`)

	_, err = session.ReadResource(ctx, &mcp.ReadResourceParams{URI: schemaPrefix + "nope"})
	assert.Error(t, err)
}
