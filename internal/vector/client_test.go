package vector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// engineStub records the last request and replies with canned JSON.
type engineStub struct {
	t        *testing.T
	status   int
	response string

	lastMethod string
	lastPath   string
	lastBody   map[string]any
	lastAPIKey string
	calls      int
}

func (s *engineStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.calls++
	s.lastMethod = r.Method
	s.lastPath = r.URL.Path
	s.lastAPIKey = r.Header.Get("api-key")
	s.lastBody = nil
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&s.lastBody)
	}
	if s.status != 0 {
		w.WriteHeader(s.status)
	}
	if s.response != "" {
		_, _ = w.Write([]byte(s.response))
	}
}

func newStubClient(t *testing.T, stub *engineStub) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	return NewHTTPClient(srv.URL, "secret", time.Second)
}

func TestSearchEncodesFilterAndDecodesHits(t *testing.T) {
	stub := &engineStub{t: t, response: `{"result":[
		{"id":"11111111-1111-4111-8111-111111111111","score":0.87,"payload":{"label":"Deploy"}},
		{"id":42,"score":0.5}
	]}`}
	c := newStubClient(t, stub)

	filter := Filter{SpaceIDs: []string{"user:corp:alice", "space:kairos-app"}}.
		WithMust("chain.step_index", 1)
	hits, err := c.Search(context.Background(), "mems", []float32{0.1, 0.2}, filter, 5)
	require.NoError(t, err)

	require.Equal(t, http.MethodPost, stub.lastMethod)
	require.Equal(t, "/collections/mems/points/search", stub.lastPath)
	require.Equal(t, "secret", stub.lastAPIKey)

	conds := stub.lastBody["filter"].(map[string]any)["must"].([]any)
	require.Len(t, conds, 2)
	first := conds[0].(map[string]any)
	require.Equal(t, "space_id", first["key"])
	require.Len(t, first["match"].(map[string]any)["any"], 2)

	require.Len(t, hits, 2)
	require.Equal(t, "11111111-1111-4111-8111-111111111111", hits[0].ID)
	require.InDelta(t, 0.87, hits[0].Score, 1e-9)
	require.Equal(t, "Deploy", hits[0].Payload["label"])
	require.Equal(t, "42", hits[1].ID, "numeric ids come back as their literal text")
}

func TestScrollPagesThroughOffsets(t *testing.T) {
	stub := &engineStub{t: t, response: `{"result":{
		"points":[{"id":"a1","payload":{"label":"x"}}],
		"next_page_offset":"a2"
	}}`}
	c := newStubClient(t, stub)

	points, next, err := c.Scroll(context.Background(), "mems", Filter{}, 10, "")
	require.NoError(t, err)
	require.Len(t, points, 1)
	require.Equal(t, "a2", next)
	require.NotContains(t, stub.lastBody, "offset")
	require.NotContains(t, stub.lastBody, "filter", "empty filter is omitted entirely")

	stub.response = `{"result":{"points":[],"next_page_offset":null}}`
	points, next, err = c.Scroll(context.Background(), "mems", Filter{}, 10, next)
	require.NoError(t, err)
	require.Empty(t, points)
	require.Empty(t, next)
	require.Equal(t, "a2", stub.lastBody["offset"])
}

func TestCollectionExistsTreats404AsAbsent(t *testing.T) {
	stub := &engineStub{t: t, status: http.StatusNotFound}
	c := newStubClient(t, stub)

	ok, err := c.CollectionExists(context.Background(), "mems")
	require.NoError(t, err)
	require.False(t, ok)

	stub.status = http.StatusInternalServerError
	_, err = c.CollectionExists(context.Background(), "mems")
	require.Error(t, err)
}

func TestCollectionDimensionHandlesBothVectorShapes(t *testing.T) {
	stub := &engineStub{t: t, response: `{"result":{"config":{"params":{"vectors":{"size":768,"distance":"Cosine"}}}}}`}
	c := newStubClient(t, stub)

	dim, err := c.CollectionDimension(context.Background(), "mems")
	require.NoError(t, err)
	require.Equal(t, 768, dim)

	stub.response = `{"result":{"config":{"params":{"vectors":{"default":{"size":384}}}}}}`
	dim, err = c.CollectionDimension(context.Background(), "mems")
	require.NoError(t, err)
	require.Equal(t, 384, dim)
}

func TestCreateFieldIndexConflictIsNotAnError(t *testing.T) {
	stub := &engineStub{t: t, status: http.StatusConflict}
	c := newStubClient(t, stub)

	err := c.CreateFieldIndex(context.Background(), "mems", PayloadIndex{Field: "space_id", Type: "keyword", IsTenant: true})
	require.NoError(t, err)
	require.Equal(t, true, stub.lastBody["field_schema"].(map[string]any)["is_tenant"])
}

func TestAPIErrorTransience(t *testing.T) {
	require.True(t, (&apiError{Status: 500}).transient())
	require.True(t, (&apiError{Status: 429}).transient())
	require.False(t, (&apiError{Status: 400}).transient())
	require.False(t, (&apiError{Status: 404}).transient())
}

func TestRawPointVectorShapes(t *testing.T) {
	p := rawPoint{ID: json.RawMessage(`"a"`), Vector: json.RawMessage(`[0.1,0.2]`)}.toPoint()
	require.Len(t, p.Vector, 2)

	p = rawPoint{ID: json.RawMessage(`"a"`), Vector: json.RawMessage(`{"default":[0.1]}`)}.toPoint()
	require.Len(t, p.Vector, 1)

	p = rawPoint{ID: json.RawMessage(`"a"`), Vector: json.RawMessage(`null`)}.toPoint()
	require.Nil(t, p.Vector)
}
