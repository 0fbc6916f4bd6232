package httpapi

import (
	"context"
	"encoding/json"
	"errors"
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

// identityForTests injects the auth-disabled space context the way the real
// middleware does.
func identityForTests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sc := tenant.Derive(nil, false, "space:kairos-app")
		next.ServeHTTP(w, r.WithContext(tenant.WithContext(r.Context(), sc)))
	})
}

func newTestRouter(t *testing.T) (http.Handler, *vectortest.FakeClient) {
	t.Helper()
	cfg := config.Default()
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

	srv := New(cfg, chains, navEngine, searchEngine, gateway, kvs, stubEmbedder{})
	mcpStub := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	return srv.Router(identityForTests, mcpStub), client
}

func postJSON(t *testing.T, router http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthReportsDependencies(t *testing.T) {
	router, client := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body.Status)

	// A dead vector store takes the whole service down.
	client.Err = errors.New("connection refused")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestResourceMetadataDocument(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-protected-resource", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var doc struct {
		Resource string   `json:"resource"`
		Methods  []string `json:"bearer_methods_supported"`
		Scopes   []string `json:"scopes_supported"`
		AuthReq  struct {
			Prompt string `json:"prompt"`
		} `json:"authorization_request_parameters"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.True(t, strings.HasSuffix(doc.Resource, "/mcp"))
	require.Equal(t, []string{"header"}, doc.Methods)
	require.Equal(t, []string{"openid"}, doc.Scopes)
	require.Equal(t, "login", doc.AuthReq.Prompt)
}

func TestMintSearchDumpOverREST(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := postJSON(t, router, "/api/kairos_mint",
		`{"markdown_doc":"# Deploy service\n\n## Build\n\nRun the build.\n","domain":"devops"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var minted struct {
		Steps []struct {
			URI string `json:"uri"`
		} `json:"steps"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &minted))
	require.Len(t, minted.Steps, 1)

	rec = postJSON(t, router, "/api/kairos_search", `{"query":"deploy"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "choices")

	rec = postJSON(t, router, "/api/kairos_dump", `{"uri":"`+minted.Steps[0].URI+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Run the build.")
}

func TestBatchUpdateReplacesBodiesAndReportsTotals(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := postJSON(t, router, "/api/kairos_mint",
		`{"markdown_doc":"# Deploy service\n\n## Build\n\nRun the build.\n"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var minted struct {
		Steps []struct {
			URI string `json:"uri"`
		} `json:"steps"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &minted))
	require.Len(t, minted.Steps, 1)

	body, _ := json.Marshal(map[string]any{
		"uris":         []string{minted.Steps[0].URI, "kairos://mem/99999999-9999-4999-8999-999999999999"},
		"markdown_doc": []string{"Use the cached builder instead.", "ignored"},
	})
	rec = postJSON(t, router, "/api/kairos_update", string(body))
	require.Equal(t, http.StatusOK, rec.Code)

	var res struct {
		Results []struct {
			URI       string `json:"uri"`
			ErrorCode string `json:"error_code"`
		} `json:"results"`
		TotalUpdated int `json:"total_updated"`
		TotalFailed  int `json:"total_failed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, 1, res.TotalUpdated)
	require.Equal(t, 1, res.TotalFailed)
	require.Empty(t, res.Results[0].ErrorCode)
	require.Equal(t, "NOT_FOUND", res.Results[1].ErrorCode)

	// The surviving step serves the replaced body.
	rec = postJSON(t, router, "/api/kairos_dump", `{"uri":"`+minted.Steps[0].URI+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Use the cached builder instead.")
}

func TestBatchDeleteOverREST(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := postJSON(t, router, "/api/kairos_mint",
		`{"markdown_doc":"# Deploy service\n\n## Build\n\nRun the build.\n\n## Roll out\n\nPush it.\n"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var minted struct {
		Steps []struct {
			URI string `json:"uri"`
		} `json:"steps"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &minted))
	require.Len(t, minted.Steps, 2)

	body, _ := json.Marshal(map[string]any{
		"uris": []string{minted.Steps[0].URI, minted.Steps[1].URI},
	})
	rec = postJSON(t, router, "/api/kairos_delete", string(body))
	require.Equal(t, http.StatusOK, rec.Code)

	var res struct {
		TotalDeleted int `json:"total_deleted"`
		TotalFailed  int `json:"total_failed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, 2, res.TotalDeleted)
	require.Equal(t, 0, res.TotalFailed)

	// Empty batches are rejected outright.
	rec = postJSON(t, router, "/api/kairos_delete", `{"uris":[]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDuplicateMintIs409WithExistingSteps(t *testing.T) {
	router, _ := newTestRouter(t)

	doc := `{"markdown_doc":"# Deploy service\n\n## Build\n\nRun the build.\n"}`
	require.Equal(t, http.StatusOK, postJSON(t, router, "/api/kairos_mint", doc).Code)

	changed := `{"markdown_doc":"# Deploy service\n\n## Build\n\nRun the build.\n\n## Verify\n\nCheck it.\n"}`
	rec := postJSON(t, router, "/api/kairos_mint", changed)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "existing_steps")
}

func TestErrorStatusMapping(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := postJSON(t, router, "/api/kairos_begin", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), string(kairoserr.CodeInvalidInput))

	rec = postJSON(t, router, "/api/kairos_dump",
		`{"uri":"kairos://mem/99999999-9999-4999-8999-999999999999"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = postJSON(t, router, "/api/kairos_next", `{not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpointIsOpen(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
