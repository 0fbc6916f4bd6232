package vector_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kairosdev/kairos/internal/kairoserr"
	"github.com/kairosdev/kairos/internal/tenant"
	"github.com/kairosdev/kairos/internal/types"
	"github.com/kairosdev/kairos/internal/vector"
	"github.com/kairosdev/kairos/internal/vector/vectortest"
)

func newGateway(client *vectortest.FakeClient) *vector.Gateway {
	return vector.NewGateway(client, "test", "", 4, tenant.DefaultSpaceID, 1)
}

func TestInitBackfillsLegacyRecords(t *testing.T) {
	ctx := context.Background()
	client := vectortest.NewFakeClient(4)

	// A record from before spaces and the chain block existed.
	require.NoError(t, client.Upsert(ctx, "test", []vector.Point{{
		ID: "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa",
		Payload: map[string]any{
			"label": "Old protocol step",
			"text":  "body",
			"protocol": map[string]any{
				"id":    "bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb",
				"label": "Old protocol",
				"step":  2,
				"total": 3,
			},
		},
	}}))

	g := newGateway(client)
	require.NoError(t, g.Init(ctx))

	payload := client.Payload("aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa")
	require.Equal(t, tenant.DefaultSpaceID, payload["space_id"])
	chain, ok := payload["chain"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb", chain["id"])
	require.Equal(t, 2, chain["step_index"])
	require.Equal(t, 3, chain["step_count"])

	// Running init again must not touch anything.
	require.NoError(t, g.Init(ctx))
}

func seedPoint(t *testing.T, client *vectortest.FakeClient, m *types.Memory) {
	t.Helper()
	m.CreatedAt = time.Now().UTC()
	require.NoError(t, client.Upsert(context.Background(), "test", []vector.Point{
		{ID: m.UUID, Vector: make([]float32, 4), Payload: vector.MemoryPayload(m)},
	}))
}

func TestGetMemoryMasksCrossTenantReads(t *testing.T) {
	ctx := context.Background()
	client := vectortest.NewFakeClient(4)
	g := newGateway(client)

	seedPoint(t, client, &types.Memory{
		UUID:    "11111111-1111-4111-8111-111111111111",
		SpaceID: "user:corp:bob",
		Label:   "Bob's protocol",
		Text:    "private",
	})

	alice := tenant.Derive(&tenant.Identity{Subject: "alice", Realm: "corp"}, true, "space:kairos-app")
	_, err := g.GetMemory(ctx, alice, "11111111-1111-4111-8111-111111111111")
	require.True(t, kairoserr.Is(err, kairoserr.CodeNotFound),
		"foreign memory must look identical to a missing one")

	bob := tenant.Derive(&tenant.Identity{Subject: "bob", Realm: "corp"}, true, "space:kairos-app")
	m, err := g.GetMemory(ctx, bob, "11111111-1111-4111-8111-111111111111")
	require.NoError(t, err)
	require.Equal(t, "Bob's protocol", m.Label)
}

func TestChainStepsOrderedByIndex(t *testing.T) {
	ctx := context.Background()
	client := vectortest.NewFakeClient(4)
	g := newGateway(client)
	sc := tenant.Derive(nil, false, "space:kairos-app")

	chainID := "cccccccc-cccc-4ccc-8ccc-cccccccccccc"
	// Inserted out of order on purpose.
	for _, idx := range []int{3, 1, 2} {
		seedPoint(t, client, &types.Memory{
			UUID:    "1111111" + string(rune('0'+idx)) + "-1111-4111-8111-111111111111",
			SpaceID: tenant.DefaultSpaceID,
			Label:   "Step",
			Text:    "body",
			Chain:   &types.ChainRef{ID: chainID, StepIndex: idx, StepCount: 3},
		})
	}

	steps, err := g.ChainSteps(ctx, sc, chainID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for i, s := range steps {
		require.Equal(t, i+1, s.Chain.StepIndex)
	}
}

func TestRetryExhaustionMapsToStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	client := vectortest.NewFakeClient(4)
	client.Err = errors.New("connection refused")
	g := newGateway(client)
	sc := tenant.Derive(nil, false, "space:kairos-app")

	_, err := g.GetMemory(ctx, sc, "11111111-1111-4111-8111-111111111111")
	require.True(t, kairoserr.Is(err, kairoserr.CodeStoreUnavailable))
}
