package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kairosdev/kairos/internal/cache"
	"github.com/kairosdev/kairos/internal/chainstore"
	"github.com/kairosdev/kairos/internal/config"
	"github.com/kairosdev/kairos/internal/kairoserr"
	"github.com/kairosdev/kairos/internal/kv"
	"github.com/kairosdev/kairos/internal/nav"
	"github.com/kairosdev/kairos/internal/pow"
	"github.com/kairosdev/kairos/internal/search"
	"github.com/kairosdev/kairos/internal/tenant"
	"github.com/kairosdev/kairos/internal/vector"
	"github.com/kairosdev/kairos/internal/vector/vectortest"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(context.Context, string) ([]float32, error) {
	return make([]float32, 4), nil
}

func (stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, 4)
	}
	return out, nil
}

func (stubEmbedder) Dimensions() int { return 4 }
func (stubEmbedder) Name() string    { return "stub" }

func newServer(t *testing.T) *Server {
	t.Helper()
	client := vectortest.NewFakeClient(4)
	gateway := vector.NewGateway(client, "test", "", 4, tenant.DefaultSpaceID, 1)
	kvs := kv.NewMemoryStore()
	c := cache.New(kvs, "kairos:")
	t.Cleanup(c.Close)
	p := pow.New(kvs, "kairos:")
	chains := chainstore.New(gateway, stubEmbedder{}, c, p, 0.9)
	searchEngine := search.New(gateway, stubEmbedder{}, c, config.SearchConfig{
		ScoreThreshold: 0.3,
		AppSpaceID:     "space:kairos-app",
	})
	navEngine := nav.New(gateway, p, searchEngine, c, kvs, "kairos:")
	return NewServer(chains, navEngine, searchEngine, "test")
}

func post(t *testing.T, s *Server, body string) (*httptest.ResponseRecorder, rpcResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	sc := tenant.Derive(nil, false, "space:kairos-app")
	req = req.WithContext(tenant.WithContext(req.Context(), sc))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var resp rpcResponse
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

// toolText extracts the text payload of a tool result.
func toolText(t *testing.T, resp rpcResponse) (string, bool) {
	t.Helper()
	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	content, ok := result["content"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, content)
	text := content[0].(map[string]any)["text"].(string)
	isErr, _ := result["isError"].(bool)
	return text, isErr
}

func TestInitializeHandshake(t *testing.T) {
	s := newServer(t)
	_, resp := post(t, s, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	require.Nil(t, resp.Error)

	result := resp.Result.(map[string]any)
	require.Equal(t, "2024-11-05", result["protocolVersion"])
	info := result["serverInfo"].(map[string]any)
	require.Equal(t, "kairos", info["name"])
}

func TestToolsListNamesAllTools(t *testing.T) {
	s := newServer(t)
	_, resp := post(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.Nil(t, resp.Error)

	tools := resp.Result.(map[string]any)["tools"].([]any)
	names := map[string]bool{}
	for _, tool := range tools {
		names[tool.(map[string]any)["name"].(string)] = true
	}
	for _, want := range []string{
		"kairos_mint", "kairos_begin", "kairos_next", "kairos_attest",
		"kairos_search", "kairos_update", "kairos_delete", "kairos_dump",
	} {
		require.True(t, names[want], "missing tool %s", want)
	}
}

func TestNotificationGets202AndNoBody(t *testing.T) {
	s := newServer(t)
	rec, _ := post(t, s, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Zero(t, rec.Body.Len())
}

func TestMalformedRequests(t *testing.T) {
	s := newServer(t)

	_, resp := post(t, s, `{not json`)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeParse, resp.Error.Code)

	_, resp = post(t, s, `{"jsonrpc":"1.0","id":1,"method":"ping"}`)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeInvalidRequest, resp.Error.Code)

	_, resp = post(t, s, `{"jsonrpc":"2.0","id":1,"method":"no/such/method"}`)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeMethodNotFound, resp.Error.Code)

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMintAndSearchRoundTrip(t *testing.T) {
	s := newServer(t)

	mint := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{
		"name":"kairos_mint",
		"arguments":{"markdown_doc":"# Deploy service\n\n## Build\n\nRun the build.\n","domain":"devops"}
	}}`
	_, resp := post(t, s, mint)
	require.Nil(t, resp.Error)
	text, isErr := toolText(t, resp)
	require.False(t, isErr)
	require.Contains(t, text, "kairos://mem/")

	query := `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{
		"name":"kairos_search","arguments":{"query":"deploy the service"}
	}}`
	_, resp = post(t, s, query)
	require.Nil(t, resp.Error)
	text, isErr = toolText(t, resp)
	require.False(t, isErr)
	require.Contains(t, text, "choices")
}

func TestToolErrorsStayInsideTheResult(t *testing.T) {
	s := newServer(t)

	// Unknown tool: a tool error, not a transport error.
	_, resp := post(t, s, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{
		"name":"kairos_frobnicate","arguments":{}
	}}`)
	require.Nil(t, resp.Error)
	text, isErr := toolText(t, resp)
	require.True(t, isErr)
	require.Contains(t, text, string(kairoserr.CodeInvalidInput))

	// Begin with neither query nor uri.
	_, resp = post(t, s, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{
		"name":"kairos_begin","arguments":{}
	}}`)
	require.Nil(t, resp.Error)
	_, isErr = toolText(t, resp)
	require.True(t, isErr)
}

func TestDuplicateMintReportsExistingSteps(t *testing.T) {
	s := newServer(t)

	doc := "# Deploy service\n\n## Build\n\nRun the build.\n"
	mint := func(markdown string) rpcResponse {
		body, _ := json.Marshal(map[string]any{
			"jsonrpc": "2.0", "id": 1, "method": "tools/call",
			"params": map[string]any{
				"name":      "kairos_mint",
				"arguments": map[string]any{"markdown_doc": markdown},
			},
		})
		_, resp := post(t, s, string(body))
		return resp
	}

	require.Nil(t, mint(doc).Error)

	resp := mint(doc + "\n## Verify\n\nCheck it.\n")
	require.Nil(t, resp.Error)
	text, isErr := toolText(t, resp)
	require.False(t, isErr, "duplicates are a payload, not a tool error")
	require.Contains(t, text, string(kairoserr.CodeDuplicateChain))
	require.Contains(t, text, "existing_steps")
}
