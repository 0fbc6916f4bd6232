package vector

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/kairosdev/kairos/internal/kairoserr"
	"github.com/kairosdev/kairos/internal/logging"
	"github.com/kairosdev/kairos/internal/metrics"
	"github.com/kairosdev/kairos/internal/tenant"
	"github.com/kairosdev/kairos/internal/types"
)

const backfillPageSize = 256

// Gateway is the tenant-aware front of the vector database. Every query
// merges the caller's allowed space ids into the filter; transient engine
// errors retry with exponential backoff before surfacing STORE_UNAVAILABLE.
type Gateway struct {
	client       Client
	collection   string
	alias        string
	dimension    int
	defaultSpace string
	maxRetries   int
}

// NewGateway constructs a gateway over client. Init must run before use.
func NewGateway(client Client, collection, alias string, dimension int, defaultSpace string, maxRetries int) *Gateway {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Gateway{
		client:       client,
		collection:   collection,
		alias:        alias,
		dimension:    dimension,
		defaultSpace: defaultSpace,
		maxRetries:   maxRetries,
	}
}

// Dimension returns the configured embedding dimension.
func (g *Gateway) Dimension() int { return g.dimension }

// Init prepares the collection: create if absent, recreate on dimension
// mismatch (operator-visible warning — the old data is dropped), ensure
// payload indexes and the alias, then backfill legacy records.
func (g *Gateway) Init(ctx context.Context) error {
	log := logging.Get(logging.CategoryStore)

	exists, err := g.client.CollectionExists(ctx, g.collection)
	if err != nil {
		return g.mapErr(err)
	}
	if exists {
		dim, err := g.client.CollectionDimension(ctx, g.collection)
		if err != nil {
			return g.mapErr(err)
		}
		if dim != g.dimension {
			log.Warn("collection %s has dimension %d but embedder produces %d; recreating (existing vectors are dropped)",
				g.collection, dim, g.dimension)
			if err := g.client.DropCollection(ctx, g.collection); err != nil {
				return g.mapErr(err)
			}
			exists = false
		}
	}
	if !exists {
		if err := g.client.CreateCollection(ctx, g.collection, g.dimension); err != nil {
			return g.mapErr(err)
		}
		log.Info("created collection %s (dimension %d)", g.collection, g.dimension)
	}

	for _, idx := range RequiredIndexes() {
		if err := g.client.CreateFieldIndex(ctx, g.collection, idx); err != nil {
			return g.mapErr(err)
		}
	}

	if g.alias != "" {
		if err := g.client.UpdateAlias(ctx, g.collection, g.alias); err != nil {
			return g.mapErr(err)
		}
	}

	if err := g.backfill(ctx); err != nil {
		return err
	}
	return nil
}

// backfill walks the whole collection and repairs legacy records in place:
// missing space_id gets the default space, and old protocol.step/protocol.total
// payloads are rewritten into the chain block. Idempotent.
func (g *Gateway) backfill(ctx context.Context) error {
	log := logging.Get(logging.CategoryStore)
	offset := ""
	patched := 0
	for {
		points, next, err := g.client.Scroll(ctx, g.collection, Filter{}, backfillPageSize, offset)
		if err != nil {
			return g.mapErr(err)
		}
		for _, p := range points {
			patch := map[string]any{}
			if asString(p.Payload["space_id"]) == "" {
				patch["space_id"] = g.defaultSpace
			}
			if _, hasChain := p.Payload["chain"]; !hasChain {
				if proto, ok := p.Payload["protocol"].(map[string]any); ok {
					patch["chain"] = map[string]any{
						"id":         asString(proto["id"]),
						"label":      asString(proto["label"]),
						"step_index": asInt(proto["step"]),
						"step_count": asInt(proto["total"]),
					}
				}
			}
			if len(patch) > 0 {
				if err := g.client.SetPayload(ctx, g.collection, p.ID, patch); err != nil {
					return g.mapErr(err)
				}
				patched++
			}
		}
		if next == "" {
			break
		}
		offset = next
	}
	if patched > 0 {
		log.Info("backfilled %d legacy records", patched)
	}
	return nil
}

// Upsert writes points. Vectors must already match the collection dimension;
// empty vectors are stripped so retrieve-and-reinsert flows keep payloads.
func (g *Gateway) Upsert(ctx context.Context, points []Point) error {
	for i := range points {
		if len(points[i].Vector) == 0 {
			points[i].Vector = nil
		}
	}
	return g.retry(ctx, "upsert", func() error {
		return g.client.Upsert(ctx, g.collection, points)
	})
}

// GetMemory loads one memory and enforces read scope. Cross-tenant reads are
// masked as NOT_FOUND rather than revealing the record exists.
func (g *Gateway) GetMemory(ctx context.Context, sc *tenant.SpaceContext, uuid string) (*types.Memory, error) {
	var points []Point
	err := g.retry(ctx, "retrieve", func() error {
		var e error
		points, e = g.client.Retrieve(ctx, g.collection, []string{uuid})
		return e
	})
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, kairoserr.New(kairoserr.CodeNotFound, "memory %s not found", uuid)
	}
	m, err := MemoryFromPayload(points[0].ID, points[0].Payload)
	if err != nil {
		return nil, kairoserr.Wrap(kairoserr.CodeNotFound, err, "memory %s unreadable", uuid)
	}
	if !sc.CanRead(m.SpaceID) {
		return nil, kairoserr.New(kairoserr.CodeNotFound, "memory %s not found", uuid)
	}
	return m, nil
}

// GetPoint loads a raw point including its vector, space-checked.
func (g *Gateway) GetPoint(ctx context.Context, sc *tenant.SpaceContext, uuid string) (*Point, error) {
	var points []Point
	err := g.retry(ctx, "retrieve", func() error {
		var e error
		points, e = g.client.Retrieve(ctx, g.collection, []string{uuid})
		return e
	})
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, kairoserr.New(kairoserr.CodeNotFound, "memory %s not found", uuid)
	}
	if !sc.CanRead(asString(points[0].Payload["space_id"])) {
		return nil, kairoserr.New(kairoserr.CodeNotFound, "memory %s not found", uuid)
	}
	return &points[0], nil
}

// ChainSteps returns all steps of a chain visible to the caller, ordered by
// step index.
func (g *Gateway) ChainSteps(ctx context.Context, sc *tenant.SpaceContext, chainID string) ([]*types.Memory, error) {
	filter := Filter{SpaceIDs: sc.AllowedSpaceIDs}.WithMust("chain.id", chainID)
	var out []*types.Memory
	offset := ""
	for {
		var points []Point
		var next string
		err := g.retry(ctx, "scroll", func() error {
			var e error
			points, next, e = g.client.Scroll(ctx, g.collection, filter, backfillPageSize, offset)
			return e
		})
		if err != nil {
			return nil, err
		}
		for _, p := range points {
			m, err := MemoryFromPayload(p.ID, p.Payload)
			if err != nil {
				continue
			}
			out = append(out, m)
		}
		if next == "" {
			break
		}
		offset = next
	}
	sort.Slice(out, func(i, j int) bool {
		var a, b int
		if out[i].Chain != nil {
			a = out[i].Chain.StepIndex
		}
		if out[j].Chain != nil {
			b = out[j].Chain.StepIndex
		}
		return a < b
	})
	return out, nil
}

// FindHeadByMintKey resolves an existing chain head through its mint
// idempotency key, scoped to the caller's spaces.
func (g *Gateway) FindHeadByMintKey(ctx context.Context, sc *tenant.SpaceContext, mintKey string) (*types.Memory, error) {
	filter := Filter{SpaceIDs: sc.AllowedSpaceIDs}.WithMust("task", mintKey)
	var points []Point
	err := g.retry(ctx, "scroll", func() error {
		var e error
		points, _, e = g.client.Scroll(ctx, g.collection, filter, 1, "")
		return e
	})
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, nil
	}
	return MemoryFromPayload(points[0].ID, points[0].Payload)
}

// FindStep resolves a single step by chain id and step index.
func (g *Gateway) FindStep(ctx context.Context, sc *tenant.SpaceContext, chainID string, stepIndex int) (*types.Memory, error) {
	filter := Filter{SpaceIDs: sc.AllowedSpaceIDs}.
		WithMust("chain.id", chainID).
		WithMust("chain.step_index", stepIndex)
	var points []Point
	err := g.retry(ctx, "scroll", func() error {
		var e error
		points, _, e = g.client.Scroll(ctx, g.collection, filter, 1, "")
		return e
	})
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, kairoserr.New(kairoserr.CodeNotFound, "chain %s has no step %d", chainID, stepIndex)
	}
	return MemoryFromPayload(points[0].ID, points[0].Payload)
}

// Search runs a tenant-filtered vector search.
func (g *Gateway) Search(ctx context.Context, sc *tenant.SpaceContext, vector []float32, extra []Condition, limit int) ([]ScoredPoint, error) {
	filter := Filter{SpaceIDs: sc.AllowedSpaceIDs, Must: extra}
	var hits []ScoredPoint
	err := g.retry(ctx, "search", func() error {
		var e error
		hits, e = g.client.Search(ctx, g.collection, vector, filter, limit)
		return e
	})
	if err != nil {
		return nil, err
	}
	return hits, nil
}

// Delete removes points by id.
func (g *Gateway) Delete(ctx context.Context, ids []string) error {
	return g.retry(ctx, "delete", func() error {
		return g.client.Delete(ctx, g.collection, ids)
	})
}

// SetPayload patches one point's payload.
func (g *Gateway) SetPayload(ctx context.Context, id string, patch map[string]any) error {
	return g.retry(ctx, "set_payload", func() error {
		return g.client.SetPayload(ctx, g.collection, id, patch)
	})
}

// Health checks engine reachability.
func (g *Gateway) Health(ctx context.Context) error {
	if err := g.client.Health(ctx); err != nil {
		return g.mapErr(err)
	}
	return nil
}

// retry runs op with exponential backoff on transient errors.
func (g *Gateway) retry(ctx context.Context, name string, op func() error) error {
	err := g.retryLoop(ctx, name, op)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.StoreRequests.WithLabelValues(name, result).Inc()
	return err
}

func (g *Gateway) retryLoop(ctx context.Context, name string, op func() error) error {
	backoff := 100 * time.Millisecond
	var err error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return kairoserr.Wrap(kairoserr.CodeRequestTimeout, ctx.Err(), "%s cancelled", name)
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		err = op()
		if err == nil {
			return nil
		}
		var ae *apiError
		if errors.As(err, &ae) && !ae.transient() {
			break
		}
		if ctx.Err() != nil {
			return kairoserr.Wrap(kairoserr.CodeRequestTimeout, ctx.Err(), "%s cancelled", name)
		}
		logging.Get(logging.CategoryStore).Warn("%s attempt %d failed: %v", name, attempt+1, err)
	}
	return g.mapErr(err)
}

func (g *Gateway) mapErr(err error) error {
	if err == nil {
		return nil
	}
	var ae *apiError
	if errors.As(err, &ae) {
		switch ae.Status {
		case 404:
			return kairoserr.Wrap(kairoserr.CodeNotFound, err, "not found")
		case 409:
			return kairoserr.Wrap(kairoserr.CodeConflict, err, "conflict")
		}
	}
	if code := kairoserr.CodeOf(err); code != "" {
		return err
	}
	return kairoserr.Wrap(kairoserr.CodeStoreUnavailable, err, "vector store unavailable")
}
