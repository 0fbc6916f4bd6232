package search

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kairosdev/kairos/internal/cache"
	"github.com/kairosdev/kairos/internal/config"
	"github.com/kairosdev/kairos/internal/kv"
	"github.com/kairosdev/kairos/internal/tenant"
	"github.com/kairosdev/kairos/internal/types"
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

func searchConfig() config.SearchConfig {
	return config.SearchConfig{
		ScoreThreshold:         0.3,
		SimilarMemoryThreshold: 0.9,
		AppSpaceID:             "space:kairos-app",
	}
}

func seedMemory(t *testing.T, client *vectortest.FakeClient, m *types.Memory, score float64) {
	t.Helper()
	m.SpaceID = tenant.DefaultSpaceID
	m.CreatedAt = time.Now().UTC()
	err := client.Upsert(context.Background(), "test", []vector.Point{
		{ID: m.UUID, Vector: make([]float32, 4), Payload: vector.MemoryPayload(m)},
	})
	require.NoError(t, err)
	client.Scores[m.UUID] = score
}

func newEngine(t *testing.T) (*Engine, *vectortest.FakeClient) {
	t.Helper()
	client := vectortest.NewFakeClient(4)
	gateway := vector.NewGateway(client, "test", "", 4, tenant.DefaultSpaceID, 1)
	c := cache.New(kv.NewMemoryStore(), "kairos:")
	t.Cleanup(c.Close)
	return New(gateway, stubEmbedder{}, c, searchConfig()), client
}

func testContext() *tenant.SpaceContext {
	return tenant.Derive(nil, false, "space:kairos-app")
}

func uuidN(n byte) string {
	s := string('0' + rune(n))
	return "1111111" + s + "-1111-4111-8111-111111111111"
}

func TestSmartSearchReturnsMatchesAndHelpers(t *testing.T) {
	ctx := context.Background()
	e, client := newEngine(t)

	seedMemory(t, client, &types.Memory{UUID: uuidN(1), Label: "Deploy service", Text: "build and roll out"}, 0.8)
	seedMemory(t, client, &types.Memory{UUID: uuidN(2), Label: "Rotate credentials", Text: "rotate keys"}, 0.6)
	seedMemory(t, client, &types.Memory{UUID: uuidN(3), Label: "Low relevance", Text: "unrelated"}, 0.1)

	resp, err := e.SmartSearch(ctx, testContext(), "roll out the service", Params{Limit: 5})
	require.NoError(t, err)
	require.True(t, resp.MustObey)

	var matches, refines, creates int
	for _, c := range resp.Choices {
		switch c.Role {
		case types.RoleMatch:
			matches++
			require.NotNil(t, c.Score)
			require.Contains(t, c.NextAction, c.URI)
		case types.RoleRefine:
			refines++
			require.Contains(t, c.URI, types.RefineSearchUUID)
		case types.RoleCreate:
			creates++
			require.Contains(t, c.URI, types.CreateProtocolUUID)
		}
	}
	require.Equal(t, 2, matches, "below-threshold hit must be dropped")
	require.Equal(t, 1, refines)
	require.Equal(t, 1, creates)
	// Helpers come after matches.
	require.Equal(t, types.RoleRefine, resp.Choices[len(resp.Choices)-2].Role)
	require.Equal(t, types.RoleCreate, resp.Choices[len(resp.Choices)-1].Role)
}

func TestSmartSearchEmptyQueryOnlyHelpers(t *testing.T) {
	ctx := context.Background()
	e, client := newEngine(t)
	seedMemory(t, client, &types.Memory{UUID: uuidN(1), Label: "Deploy service", Text: "x"}, 0.9)

	resp, err := e.SmartSearch(ctx, testContext(), "   ", Params{})
	require.NoError(t, err)
	require.Len(t, resp.Choices, 2)
	require.Equal(t, types.RoleRefine, resp.Choices[0].Role)
	require.Equal(t, types.RoleCreate, resp.Choices[1].Role)
}

func TestSmartSearchLabelExactMatchIsPerfect(t *testing.T) {
	ctx := context.Background()
	e, client := newEngine(t)
	seedMemory(t, client, &types.Memory{UUID: uuidN(1), Label: "Deploy Service", Text: "x"}, 0.7)

	resp, err := e.SmartSearch(ctx, testContext(), "deploy service", Params{Limit: 5})
	require.NoError(t, err)

	match := resp.Choices[0]
	require.Equal(t, types.RoleMatch, match.Role)
	require.Equal(t, 1.0, *match.Score)
	require.Contains(t, resp.NextAction, match.URI)
}

func TestSmartSearchBoostsNeverReachPerfect(t *testing.T) {
	ctx := context.Background()
	e, client := newEngine(t)
	seedMemory(t, client, &types.Memory{
		UUID:  uuidN(1),
		Label: "Deploy service to production",
		Text:  "deploy the service carefully",
		Tags:  []string{"deploy"},
	}, 0.95)

	resp, err := e.SmartSearch(ctx, testContext(), "deploy", Params{Limit: 5})
	require.NoError(t, err)
	match := resp.Choices[0]
	require.Equal(t, types.RoleMatch, match.Role)
	require.Less(t, *match.Score, 1.0)
	require.Greater(t, *match.Score, 0.95)
}

func TestSmartSearchCollapsesChains(t *testing.T) {
	ctx := context.Background()
	e, client := newEngine(t)

	chain := &types.ChainRef{ID: "cccccccc-cccc-4ccc-8ccc-cccccccccccc", Label: "Deploy service", StepCount: 3}
	for i := 1; i <= 3; i++ {
		ref := *chain
		ref.StepIndex = i
		seedMemory(t, client, &types.Memory{
			UUID:  uuidN(byte(i)),
			Label: "Step",
			Text:  "deploy work",
			Chain: &ref,
		}, 0.5+float64(i)*0.1)
	}

	resp, err := e.SmartSearch(ctx, testContext(), "deploy work", Params{Limit: 5, CollapseChains: true})
	require.NoError(t, err)

	var matches []types.Choice
	for _, c := range resp.Choices {
		if c.Role == types.RoleMatch {
			matches = append(matches, c)
		}
	}
	require.Len(t, matches, 1, "chain must collapse to one entry")
	require.Contains(t, matches[0].URI, uuidN(1), "collapse must keep the head step")
}

func TestSmartSearchUsesCache(t *testing.T) {
	ctx := context.Background()
	e, client := newEngine(t)
	seedMemory(t, client, &types.Memory{UUID: uuidN(1), Label: "Deploy service", Text: "x"}, 0.8)

	sc := testContext()
	first, err := e.SmartSearch(ctx, sc, "deploy", Params{Limit: 5})
	require.NoError(t, err)

	// A second identical query is served from cache even if the store
	// changes underneath.
	client.Scores[uuidN(1)] = 0.0
	second, err := e.SmartSearch(ctx, sc, "Deploy", Params{Limit: 5})
	require.NoError(t, err)
	require.Equal(t, len(first.Choices), len(second.Choices))
}

func TestCollapseChainsKeepsLowestIndexWhenHeadMissing(t *testing.T) {
	mk := func(idx int, score float64) hit {
		return hit{
			memory: &types.Memory{
				UUID:  uuidN(byte(idx)),
				Chain: &types.ChainRef{ID: "c1", StepIndex: idx, StepCount: 5},
			},
			score: score,
		}
	}
	out := collapseChains([]hit{mk(4, 0.9), mk(2, 0.7), mk(3, 0.8)})
	require.Len(t, out, 1)
	require.Equal(t, 2, out[0].memory.Chain.StepIndex)
}
