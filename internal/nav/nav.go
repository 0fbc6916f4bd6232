// Package nav is the protocol state machine agents interact with: begin picks
// an entry point, next validates a submission and advances, attest finalizes
// a completed chain with quality scoring.
package nav

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kairosdev/kairos/internal/cache"
	"github.com/kairosdev/kairos/internal/kairoserr"
	"github.com/kairosdev/kairos/internal/kv"
	"github.com/kairosdev/kairos/internal/logging"
	"github.com/kairosdev/kairos/internal/pow"
	"github.com/kairosdev/kairos/internal/render"
	"github.com/kairosdev/kairos/internal/search"
	"github.com/kairosdev/kairos/internal/tenant"
	"github.com/kairosdev/kairos/internal/types"
	"github.com/kairosdev/kairos/internal/vector"
)

// CompletionChannel carries attest events for other processes (leaderboards,
// metrics) to consume.
const CompletionChannel = "protocol:completed"

// Engine drives protocol navigation.
type Engine struct {
	gateway *vector.Gateway
	pow     *pow.Engine
	search  *search.Engine
	cache   *cache.Cache
	store   kv.Store
	prefix  string
}

// New wires the navigation engine.
func New(gateway *vector.Gateway, p *pow.Engine, s *search.Engine, c *cache.Cache, store kv.Store, prefix string) *Engine {
	return &Engine{gateway: gateway, pow: p, search: s, cache: c, store: store, prefix: prefix}
}

// BeginResult is either a choice list (query entry) or a step (uri entry).
type BeginResult struct {
	Choices *types.ChoiceResponse `json:"choices,omitempty"`
	Step    *types.StepResponse   `json:"step,omitempty"`
}

// Begin enters a protocol. Given a URI it loads the step, rewinds mid-chain
// URIs to the head, and hands out the first challenge. Given a query it runs
// search and returns the unified choice list.
func (e *Engine) Begin(ctx context.Context, sc *tenant.SpaceContext, query, uri string, limit int) (*BeginResult, error) {
	if err := sc.RequireData(); err != nil {
		return nil, err
	}

	if uri != "" {
		step, err := e.beginURI(ctx, sc, uri)
		if err != nil {
			return nil, err
		}
		return &BeginResult{Step: step}, nil
	}

	resp, err := e.search.SmartSearch(ctx, sc, query, search.Params{
		Limit:          limit,
		CollapseChains: true,
		CrossDomain:    true,
	})
	if err != nil {
		return nil, err
	}
	return &BeginResult{Choices: resp}, nil
}

func (e *Engine) beginURI(ctx context.Context, sc *tenant.SpaceContext, uri string) (*types.StepResponse, error) {
	id, err := types.ParseMemoryURI(uri)
	if err != nil {
		return nil, kairoserr.Wrap(kairoserr.CodeInvalidURI, err, "invalid uri")
	}
	m, err := e.loadMemory(ctx, sc, id)
	if err != nil {
		return nil, err
	}

	// Entering mid-chain starts the protocol at its head.
	if m.Chain != nil && m.Chain.StepIndex > 1 {
		head, err := e.gateway.FindStep(ctx, sc, m.Chain.ID, 1)
		if err != nil {
			return nil, err
		}
		m = head
	}

	challenge, err := e.pow.BuildChallenge(ctx, m.SpaceID, m, pow.GenesisHash)
	if err != nil {
		return nil, err
	}
	content, err := e.renderStep(ctx, sc, m)
	if err != nil {
		return nil, err
	}
	stepURI := types.MemoryURI(m.UUID)
	return &types.StepResponse{
		MustObey:    true,
		CurrentStep: &types.StepContent{URI: stepURI, Content: content, MimeType: "text/markdown"},
		Challenge:   challenge,
		NextAction:  fmt.Sprintf("call kairos_next with {uri: %q, solution}", stepURI),
	}, nil
}

// Next validates a submission on the step at uri and advances the protocol.
func (e *Engine) Next(ctx context.Context, sc *tenant.SpaceContext, uri string, sol *types.Solution) (*types.StepResponse, error) {
	if err := sc.RequireData(); err != nil {
		return nil, err
	}
	id, err := types.ParseMemoryURI(uri)
	if err != nil {
		return nil, kairoserr.Wrap(kairoserr.CodeInvalidURI, err, "invalid uri")
	}
	m, err := e.loadMemory(ctx, sc, id)
	if err != nil {
		return nil, err
	}
	stepURI := types.MemoryURI(m.UUID)

	if m.Chain != nil {
		if blocked, _ := e.pow.Blocked(ctx, m.SpaceID, m.Chain.ID); blocked {
			return &types.StepResponse{
				MustObey:   false,
				ErrorCode:  string(kairoserr.CodeMaxRetriesExceeded),
				Message:    "this protocol is blocked after repeated failures; a human must intervene",
				NextAction: "stop; do not retry without human review",
			}, nil
		}
	}

	// The previous step must hold a successful proof before this step's
	// nonce can be consumed.
	prevUUID := ""
	if m.Chain != nil && m.Chain.StepIndex > 1 {
		prev, err := e.gateway.FindStep(ctx, sc, m.Chain.ID, m.Chain.StepIndex-1)
		if err == nil {
			prevUUID = prev.UUID
		}
	}
	expected, err := e.pow.ExpectedPriorHash(ctx, m.SpaceID, m, prevUUID)
	if err != nil {
		if kairoserr.Is(err, kairoserr.CodePreviousProofMissing) {
			content, rerr := e.renderStep(ctx, sc, m)
			if rerr != nil {
				return nil, rerr
			}
			prevURI := ""
			if prevUUID != "" {
				prevURI = types.MemoryURI(prevUUID)
			}
			return &types.StepResponse{
				MustObey:    true,
				CurrentStep: &types.StepContent{URI: stepURI, Content: content, MimeType: "text/markdown"},
				ErrorCode:   string(kairoserr.CodePreviousProofMissing),
				Message:     err.Error(),
				NextAction:  fmt.Sprintf("solve the previous step first: call kairos_begin with {uri: %q}", prevURI),
			}, nil
		}
		return nil, err
	}

	outcome, err := e.pow.Validate(ctx, m.SpaceID, m, sol, expected)
	if err != nil {
		return nil, err
	}

	if !outcome.OK {
		return e.failureResponse(ctx, sc, m, outcome, expected)
	}

	// Advance: hand out the next step, or route to attest after the last.
	if m.Chain != nil && m.Chain.StepIndex < m.Chain.StepCount {
		next, err := e.gateway.FindStep(ctx, sc, m.Chain.ID, m.Chain.StepIndex+1)
		if err != nil {
			return nil, err
		}
		nextURI := types.MemoryURI(next.UUID)
		challenge, err := e.pow.BuildChallenge(ctx, next.SpaceID, next, outcome.ProofHash)
		if err != nil {
			return nil, err
		}
		content, err := e.renderStep(ctx, sc, next)
		if err != nil {
			return nil, err
		}
		return &types.StepResponse{
			MustObey:    true,
			CurrentStep: &types.StepContent{URI: nextURI, Content: content, MimeType: "text/markdown"},
			Challenge:   challenge,
			ProofHash:   outcome.ProofHash,
			NextAction:  fmt.Sprintf("call kairos_next with {uri: %q, solution}", nextURI),
		}, nil
	}

	return &types.StepResponse{
		MustObey:   true,
		ProofHash:  outcome.ProofHash,
		Message:    "final step verified; attest the protocol outcome",
		NextAction: fmt.Sprintf("call kairos_attest with {uri: %q, outcome, message}", stepURI),
	}, nil
}

// failureResponse re-renders the same step with a fresh challenge on a
// recoverable failure, or the terminal block.
func (e *Engine) failureResponse(ctx context.Context, sc *tenant.SpaceContext, m *types.Memory, outcome *pow.Outcome, expected string) (*types.StepResponse, error) {
	stepURI := types.MemoryURI(m.UUID)
	content, err := e.renderStep(ctx, sc, m)
	if err != nil {
		return nil, err
	}
	resp := &types.StepResponse{
		MustObey:    outcome.MustObey,
		CurrentStep: &types.StepContent{URI: stepURI, Content: content, MimeType: "text/markdown"},
		ErrorCode:   string(outcome.ErrorCode),
		Message:     outcome.Message,
		RetryCount:  outcome.RetryCount,
	}
	if outcome.Blocked {
		resp.NextAction = "stop; this protocol is blocked and needs human review"
		return resp, nil
	}
	challenge, err := e.pow.BuildChallenge(ctx, m.SpaceID, m, expected)
	if err != nil {
		return nil, err
	}
	resp.Challenge = challenge
	resp.NextAction = fmt.Sprintf("correct the failure and call kairos_next again with {uri: %q, solution}", stepURI)
	return resp, nil
}

// AttestOptions carries the optional finalization inputs.
type AttestOptions struct {
	QualityBonus  float64
	LLMModelID    string
	FinalSolution *types.Solution
}

// AttestResult reports the finalized chain.
type AttestResult struct {
	ChainID string           `json:"chain_id"`
	Outcome string           `json:"outcome"`
	Score   float64          `json:"score"`
	Tier    string           `json:"tier"`
	Totals  map[string]int64 `json:"totals"`
}

// Attest finalizes a chain run: writes quality metadata onto the last step,
// bumps per-model counters, and publishes a completion event. Idempotent per
// (space, chain id): a second attest returns the stored result.
func (e *Engine) Attest(ctx context.Context, sc *tenant.SpaceContext, uri, outcome, message string, opts AttestOptions) (*AttestResult, error) {
	if err := sc.RequireData(); err != nil {
		return nil, err
	}
	if outcome != "success" && outcome != "failure" {
		return nil, kairoserr.New(kairoserr.CodeInvalidInput, "outcome must be success or failure, got %q", outcome)
	}
	id, err := types.ParseMemoryURI(uri)
	if err != nil {
		return nil, kairoserr.Wrap(kairoserr.CodeInvalidURI, err, "invalid uri")
	}
	m, err := e.loadMemory(ctx, sc, id)
	if err != nil {
		return nil, err
	}

	chainID := m.UUID
	last := m
	if m.Chain != nil {
		chainID = m.Chain.ID
		if !m.Chain.IsLast() {
			last, err = e.gateway.FindStep(ctx, sc, m.Chain.ID, m.Chain.StepCount)
			if err != nil {
				return nil, err
			}
		}
	}

	ns := kv.NewNamespace(e.store, e.prefix, m.SpaceID)
	attestKey := "attest:" + chainID
	if raw, ok, _ := ns.Get(ctx, attestKey); ok {
		var prior AttestResult
		if json.Unmarshal([]byte(raw), &prior) == nil {
			return &prior, nil
		}
	}

	score := 0.0
	if outcome == "success" {
		score = 1.0 + opts.QualityBonus
	}
	tier := scoreTier(score)

	// Quality metadata is additive payload; it never participates in the
	// mint idempotency hash.
	patch := map[string]any{
		"quality": map[string]any{
			"score":       score,
			"tier":        tier,
			"outcome":     outcome,
			"message":     message,
			"model":       opts.LLMModelID,
			"attested_at": time.Now().UTC().Format(time.RFC3339),
		},
	}
	if err := e.gateway.SetPayload(ctx, last.UUID, patch); err != nil {
		return nil, err
	}
	e.cache.InvalidateWrite(ctx, m.SpaceID, last.UUID)

	totals := map[string]int64{}
	model := opts.LLMModelID
	if model == "" {
		model = last.LLMModelID
	}
	if model != "" {
		if n, err := ns.HIncr(ctx, "stats:model:"+model, outcome); err == nil {
			totals[model] = n
		}
	}
	if n, err := ns.HIncr(ctx, "stats:global", outcome); err == nil {
		totals["global"] = n
	}

	result := &AttestResult{ChainID: chainID, Outcome: outcome, Score: score, Tier: tier, Totals: totals}
	if data, err := json.Marshal(result); err == nil {
		_ = ns.Set(ctx, attestKey, string(data), 0)
	}

	if data, err := json.Marshal(map[string]any{
		"chain_id": chainID,
		"space":    m.SpaceID,
		"outcome":  outcome,
		"model":    model,
	}); err == nil {
		_ = e.store.Publish(ctx, e.prefix+CompletionChannel, string(data))
	}

	logging.Get(logging.CategoryNav).Info("chain %s attested %s (score=%.2f tier=%s)", chainID, outcome, score, tier)
	return result, nil
}

// Dump returns the raw body and metadata of a step, or of its whole chain.
func (e *Engine) Dump(ctx context.Context, sc *tenant.SpaceContext, uri string, wholeChain bool) (*DumpResult, error) {
	if err := sc.RequireData(); err != nil {
		return nil, err
	}
	id, err := types.ParseMemoryURI(uri)
	if err != nil {
		return nil, kairoserr.Wrap(kairoserr.CodeInvalidURI, err, "invalid uri")
	}
	m, err := e.loadMemory(ctx, sc, id)
	if err != nil {
		return nil, err
	}

	result := &DumpResult{
		URI:   types.MemoryURI(m.UUID),
		Label: m.Label,
	}
	if m.Chain != nil {
		result.ChainLabel = m.Chain.Label
		result.StepCount = m.Chain.StepCount
	}
	result.Challenge = m.ProofOfWork

	if wholeChain && m.Chain != nil {
		steps, err := e.gateway.ChainSteps(ctx, sc, m.Chain.ID)
		if err != nil {
			return nil, err
		}
		var b []byte
		b = append(b, []byte("# "+m.Chain.Label+"\n")...)
		for _, st := range steps {
			b = append(b, []byte("\n## "+st.Label+"\n\n"+st.Text+"\n")...)
		}
		result.Markdown = string(b)
		return result, nil
	}

	content, err := e.renderStep(ctx, sc, m)
	if err != nil {
		return nil, err
	}
	result.Markdown = content
	return result, nil
}

// DumpResult is the kairos_dump payload.
type DumpResult struct {
	Markdown   string             `json:"markdown_doc"`
	URI        string             `json:"uri"`
	Label      string             `json:"label"`
	ChainLabel string             `json:"chain_label,omitempty"`
	StepCount  int                `json:"step_count,omitempty"`
	Challenge  *types.ProofOfWork `json:"challenge,omitempty"`
}

// loadMemory reads through the cache.
func (e *Engine) loadMemory(ctx context.Context, sc *tenant.SpaceContext, id string) (*types.Memory, error) {
	for _, space := range sc.AllowedSpaceIDs {
		if m := e.cache.GetMemory(ctx, space, id); m != nil {
			return m, nil
		}
	}
	m, err := e.gateway.GetMemory(ctx, sc, id)
	if err != nil {
		return nil, err
	}
	e.cache.SetMemory(ctx, m.SpaceID, m)
	return m, nil
}

// renderStep resolves chain neighbors and renders the step markdown.
func (e *Engine) renderStep(ctx context.Context, sc *tenant.SpaceContext, m *types.Memory) (string, error) {
	var n render.Neighbors
	if m.Chain != nil {
		if m.Chain.StepIndex > 1 {
			if first, err := e.gateway.FindStep(ctx, sc, m.Chain.ID, 1); err == nil {
				n.FirstURI = types.MemoryURI(first.UUID)
			}
			if prev, err := e.gateway.FindStep(ctx, sc, m.Chain.ID, m.Chain.StepIndex-1); err == nil {
				n.PreviousURI = types.MemoryURI(prev.UUID)
			}
		}
		if m.Chain.StepIndex < m.Chain.StepCount {
			if next, err := e.gateway.FindStep(ctx, sc, m.Chain.ID, m.Chain.StepIndex+1); err == nil {
				n.NextURI = types.MemoryURI(next.UUID)
			}
		}
	}
	return render.Render(m, n), nil
}

func scoreTier(score float64) string {
	switch {
	case score >= 1.5:
		return "gold"
	case score >= 1.0:
		return "silver"
	case score > 0:
		return "bronze"
	default:
		return "none"
	}
}

