// Package search turns a query into the unified choice list: vector hits
// re-scored with deterministic textual signals, collapsed to chain heads, and
// framed as match/refine/create choices the agent must pick from.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kairosdev/kairos/internal/cache"
	"github.com/kairosdev/kairos/internal/config"
	"github.com/kairosdev/kairos/internal/embedding"
	"github.com/kairosdev/kairos/internal/logging"
	"github.com/kairosdev/kairos/internal/tenant"
	"github.com/kairosdev/kairos/internal/types"
	"github.com/kairosdev/kairos/internal/vector"
)

const (
	defaultLimit    = 5
	overFetchFactor = 3

	bonusLabelSubstring = 0.15
	bonusTagMatch       = 0.10
	bonusBodySubstring  = 0.05
	// Graded bonuses never reach a perfect score; only a label-exact match
	// may score 1.0.
	maxBoostedScore = 0.99
)

// Params tunes one search call.
type Params struct {
	Limit          int
	Domain         string
	CrossDomain    bool
	CollapseChains bool
	MinRelevance   float64
}

// Engine is the search and ranking pipeline.
type Engine struct {
	gateway  *vector.Gateway
	embedder embedding.Engine
	cache    *cache.Cache
	cfg      config.SearchConfig
}

// New wires the search engine.
func New(gateway *vector.Gateway, embedder embedding.Engine, c *cache.Cache, cfg config.SearchConfig) *Engine {
	return &Engine{gateway: gateway, embedder: embedder, cache: c, cfg: cfg}
}

type hit struct {
	memory *types.Memory
	score  float64
}

// SmartSearch runs the full pipeline and produces the unified choice list.
func (e *Engine) SmartSearch(ctx context.Context, sc *tenant.SpaceContext, query string, p Params) (*types.ChoiceResponse, error) {
	if err := sc.RequireData(); err != nil {
		return nil, err
	}
	if p.Limit <= 0 {
		p.Limit = defaultLimit
	}
	if p.MinRelevance <= 0 {
		p.MinRelevance = e.cfg.ScoreThreshold
	}

	query = strings.TrimSpace(query)
	if query == "" {
		// Nothing to match; the agent is guided through the helpers.
		return e.assemble(nil, p), nil
	}

	// Cached under the write space even though results may span the app and
	// group spaces. A write in one of those other spaces only invalidates its
	// own space's entries, so this tenant can serve a stale list until the
	// cache TTL expires. Bounded by cache.SearchTTL.
	cacheSpace := sc.DefaultWriteSpaceID
	cacheKey := cache.SearchKey(p.CollapseChains, query, p.Limit)
	if cached := e.cache.GetSearch(ctx, cacheSpace, cacheKey); cached != nil {
		return cached, nil
	}

	hits, err := e.fetch(ctx, sc, query, p)
	if err != nil {
		return nil, err
	}

	if p.CollapseChains {
		hits = collapseChains(hits)
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > p.Limit {
		hits = hits[:p.Limit]
	}

	resp := e.assemble(hits, p)
	e.cache.SetSearch(ctx, cacheSpace, cacheKey, resp)
	return resp, nil
}

// fetch embeds the query and gathers vector hits, optionally probing related
// domains in parallel.
func (e *Engine) fetch(ctx context.Context, sc *tenant.SpaceContext, query string, p Params) ([]hit, error) {
	vecs, err := e.embedder.EmbedBatch(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	queryVec := vecs[0]

	raw := p.Limit * overFetchFactor

	var extra []vector.Condition
	if p.Domain != "" {
		extra = append(extra, vector.Condition{Key: "domain", Value: p.Domain})
	}
	points, err := e.gateway.Search(ctx, sc, queryVec, extra, raw)
	if err != nil {
		return nil, err
	}
	hits := e.score(points, query, "")

	if p.Domain == "" && p.CrossDomain && len(e.cfg.CrossDomains) > 0 {
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		for _, domain := range e.cfg.CrossDomains {
			g.Go(func() error {
				pts, err := e.gateway.Search(gctx, sc, queryVec,
					[]vector.Condition{{Key: "domain", Value: domain}}, raw)
				if err != nil {
					// Cross-domain probes are best effort.
					logging.Get(logging.CategorySearch).Warn("cross-domain probe %s failed: %v", domain, err)
					return nil
				}
				scored := e.score(pts, query, domain)
				mu.Lock()
				hits = append(hits, scored...)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
		hits = dedupe(hits)
	}
	return hits, nil
}

// score augments vector scores with deterministic textual signals. A
// label-exact match is a perfect 1.0; everything else stays below it.
func (e *Engine) score(points []vector.ScoredPoint, query, crossDomain string) []hit {
	queryLower := strings.ToLower(strings.TrimSpace(query))
	out := make([]hit, 0, len(points))
	for _, pt := range points {
		m, err := vector.MemoryFromPayload(pt.ID, pt.Payload)
		if err != nil {
			continue
		}
		score := pt.Score
		labelLower := strings.ToLower(m.Label)
		chainLabelLower := ""
		if m.Chain != nil {
			chainLabelLower = strings.ToLower(m.Chain.Label)
		}

		switch {
		case labelLower == queryLower || chainLabelLower == queryLower:
			score = 1.0
		default:
			if strings.Contains(labelLower, queryLower) || strings.Contains(chainLabelLower, queryLower) {
				score += bonusLabelSubstring
			}
			for _, tag := range m.Tags {
				if strings.Contains(queryLower, strings.ToLower(tag)) || strings.Contains(strings.ToLower(tag), queryLower) {
					score += bonusTagMatch
					break
				}
			}
			if strings.Contains(strings.ToLower(m.Text), queryLower) {
				score += bonusBodySubstring
			}
			if score > maxBoostedScore {
				score = maxBoostedScore
			}
		}

		if crossDomain != "" {
			m.Label = "Cross-domain: " + m.Label
		}
		out = append(out, hit{memory: m, score: score})
	}
	return out
}

// collapseChains keeps one entry per chain: the head step, or the
// lowest-indexed hit when the head is not among the results.
func collapseChains(hits []hit) []hit {
	byChain := map[string]hit{}
	var singletons []hit
	var order []string

	for _, h := range hits {
		if h.memory.Chain == nil {
			singletons = append(singletons, h)
			continue
		}
		id := h.memory.Chain.ID
		best, seen := byChain[id]
		if !seen {
			byChain[id] = h
			order = append(order, id)
			continue
		}
		// Prefer the head; otherwise the lowest step index; keep the better
		// score on ties.
		cur, prev := h.memory.Chain.StepIndex, best.memory.Chain.StepIndex
		if cur < prev || (cur == prev && h.score > best.score) {
			byChain[id] = h
		}
	}

	out := make([]hit, 0, len(order)+len(singletons))
	for _, id := range order {
		out = append(out, byChain[id])
	}
	out = append(out, singletons...)
	return out
}

func dedupe(hits []hit) []hit {
	seen := map[string]bool{}
	out := hits[:0]
	for _, h := range hits {
		if seen[h.memory.UUID] {
			continue
		}
		seen[h.memory.UUID] = true
		out = append(out, h)
	}
	return out
}

// assemble builds the unified choice list: scored matches above the
// relevance floor, plus the synthetic refine and create helpers.
func (e *Engine) assemble(hits []hit, p Params) *types.ChoiceResponse {
	var choices []types.Choice
	perfect := 0
	var perfectURI string

	for _, h := range hits {
		if h.score < p.MinRelevance {
			continue
		}
		score := h.score
		uri := types.MemoryURI(h.memory.UUID)
		chainLabel := ""
		if h.memory.Chain != nil {
			chainLabel = h.memory.Chain.Label
		}
		choices = append(choices, types.Choice{
			URI:        uri,
			Label:      h.memory.Label,
			ChainLabel: chainLabel,
			Score:      &score,
			Role:       types.RoleMatch,
			Tags:       h.memory.Tags,
			NextAction: fmt.Sprintf("call kairos_begin with {uri: %q}", uri),
		})
		if score >= 1.0 {
			perfect++
			perfectURI = uri
		}
	}
	matches := len(choices)

	refineURI := types.MemoryURI(types.RefineSearchUUID)
	choices = append(choices, types.Choice{
		URI:        refineURI,
		Label:      "Get help refining your search",
		Role:       types.RoleRefine,
		NextAction: fmt.Sprintf("call kairos_begin with {uri: %q}", refineURI),
	})
	createURI := types.MemoryURI(types.CreateProtocolUUID)
	choices = append(choices, types.Choice{
		URI:        createURI,
		Label:      "Create a new protocol",
		Role:       types.RoleCreate,
		NextAction: fmt.Sprintf("call kairos_begin with {uri: %q}", createURI),
	})

	resp := &types.ChoiceResponse{MustObey: true, Choices: choices}
	switch {
	case perfect == 1:
		resp.Message = "Found the canonical protocol for this task. Execute it now."
		resp.NextAction = fmt.Sprintf("call kairos_begin with {uri: %q}", perfectURI)
	case perfect > 1:
		resp.Message = fmt.Sprintf("Found %d canonical protocols matching exactly. Pick one and follow its next_action.", perfect)
		resp.NextAction = "follow one choice's next_action"
	case matches > 0:
		resp.Message = fmt.Sprintf("Found %d candidate protocols. Pick the best match, or refine or create.", matches)
		resp.NextAction = "follow one choice's next_action"
	default:
		resp.Message = "No matching protocol found. Refine your search or create a new protocol."
		resp.NextAction = "follow one choice's next_action"
	}
	return resp
}
