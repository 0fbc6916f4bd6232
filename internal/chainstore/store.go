// Package chainstore orchestrates minting, updating, and deleting protocol
// chains: parse, embed, upsert, with idempotent rewrite semantics and cache
// invalidation on every write path.
package chainstore

import (
	"context"
	"time"

	"github.com/kairosdev/kairos/internal/cache"
	"github.com/kairosdev/kairos/internal/chain"
	"github.com/kairosdev/kairos/internal/embedding"
	"github.com/kairosdev/kairos/internal/kairoserr"
	"github.com/kairosdev/kairos/internal/logging"
	"github.com/kairosdev/kairos/internal/pow"
	"github.com/kairosdev/kairos/internal/render"
	"github.com/kairosdev/kairos/internal/tenant"
	"github.com/kairosdev/kairos/internal/types"
	"github.com/kairosdev/kairos/internal/vector"
)

// StoredStep describes one persisted step of a minted chain.
type StoredStep struct {
	URI        string `json:"uri"`
	MemoryUUID string `json:"memory_uuid"`
	StepIndex  int    `json:"step_index"`
	Label      string `json:"label"`
}

// Options tunes one mint call.
type Options struct {
	LLMModelID  string
	ForceUpdate bool
	Domain      string
	// FirstStepUUID pins step 1 to a well-known id. Used by the app-space
	// boot injector for the reserved helper protocols.
	FirstStepUUID string
	// WriteSpaceID overrides the caller's default write space. Only the boot
	// injector uses this to seed the shared app space.
	WriteSpaceID string
}

// Store is the chain write path.
type Store struct {
	gateway          *vector.Gateway
	embedder         embedding.Engine
	cache            *cache.Cache
	pow              *pow.Engine
	similarThreshold float64
}

// New wires the chain store.
func New(gateway *vector.Gateway, embedder embedding.Engine, c *cache.Cache, p *pow.Engine, similarThreshold float64) *Store {
	return &Store{
		gateway:          gateway,
		embedder:         embedder,
		cache:            c,
		pow:              p,
		similarThreshold: similarThreshold,
	}
}

// StoreChain parses a protocol document and persists it as an ordered chain.
//
// Rewrite semantics: an existing chain with the same mint key in the caller's
// write space is reused when the step bodies are identical (idempotent mint);
// differs without force_update fails DUPLICATE_CHAIN naming the existing
// steps; force_update replaces the chain and wipes its proof state.
func (s *Store) StoreChain(ctx context.Context, sc *tenant.SpaceContext, markdown string, opts Options) ([]StoredStep, error) {
	if err := sc.RequireData(); err != nil {
		return nil, err
	}
	log := logging.Get(logging.CategoryChain)

	doc, err := chain.Parse(markdown)
	if err != nil {
		return nil, kairoserr.Wrap(kairoserr.CodeInvalidInput, err, "unparseable protocol document")
	}

	writeSpace := sc.DefaultWriteSpaceID
	if opts.WriteSpaceID != "" {
		writeSpace = opts.WriteSpaceID
	}
	mintKey := chain.MintKey(doc.Label, writeSpace)

	existingHead, err := s.gateway.FindHeadByMintKey(ctx, sc, mintKey)
	if err != nil {
		return nil, err
	}

	chainID := chain.NewID()
	if existingHead != nil && existingHead.Chain != nil {
		steps, err := s.gateway.ChainSteps(ctx, sc, existingHead.Chain.ID)
		if err != nil {
			return nil, err
		}
		switch {
		case opts.ForceUpdate:
			if err := s.deleteSteps(ctx, sc, writeSpace, steps); err != nil {
				return nil, err
			}
			_ = s.pow.ClearChain(ctx, writeSpace, existingHead.Chain.ID)
			// Keep the chain id so step uuids stay stable across updates.
			chainID = existingHead.Chain.ID
		case sameBodies(doc.Steps, steps):
			log.Info("mint of %q is identical to existing chain %s, reusing", doc.Label, existingHead.Chain.ID)
			return describeSteps(steps), nil
		default:
			return describeSteps(steps), kairoserr.New(kairoserr.CodeDuplicateChain,
				"chain %q already exists with different content; pass force_update to replace it", doc.Label)
		}
	} else if !opts.ForceUpdate {
		if dup, err := s.findSimilarHead(ctx, sc, doc, writeSpace); err == nil && dup != nil {
			return []StoredStep{{
				URI:        types.MemoryURI(dup.UUID),
				MemoryUUID: dup.UUID,
				StepIndex:  1,
				Label:      dup.Label,
			}}, kairoserr.New(kairoserr.CodeDuplicateChain,
				"a very similar protocol %q already exists; pass force_update to mint anyway", dup.Label)
		}
	}

	texts := make([]string, len(doc.Steps))
	for i, st := range doc.Steps {
		texts[i] = chain.EmbeddingText(st.Label, st.Body)
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	stepCount := len(doc.Steps)
	points := make([]vector.Point, stepCount)
	stored := make([]StoredStep, stepCount)
	touched := make([]string, 0, stepCount)

	for i, st := range doc.Steps {
		id := chain.StepID(chainID, i+1)
		if i == 0 && opts.FirstStepUUID != "" {
			id = opts.FirstStepUUID
		}
		m := &types.Memory{
			UUID:  id,
			Label: st.Label,
			Text:  st.Body,
			Tags:  doc.Tags,
			Chain: &types.ChainRef{
				ID:        chainID,
				Label:     doc.Label,
				StepIndex: i + 1,
				StepCount: stepCount,
			},
			Domain:      opts.Domain,
			ProofOfWork: st.Proof,
			LLMModelID:  opts.LLMModelID,
			SpaceID:     writeSpace,
			CreatedAt:   now,
		}
		if i == 0 {
			m.Task = mintKey
		}
		points[i] = vector.Point{ID: id, Vector: vectors[i], Payload: vector.MemoryPayload(m)}
		stored[i] = StoredStep{URI: types.MemoryURI(id), MemoryUUID: id, StepIndex: i + 1, Label: st.Label}
		touched = append(touched, id)
	}

	if err := s.gateway.Upsert(ctx, points); err != nil {
		return nil, err
	}

	s.cache.InvalidateWrite(ctx, writeSpace, touched...)
	log.Info("minted chain %s (%q, %d steps) in space %s", chainID, doc.Label, stepCount, writeSpace)
	return stored, nil
}

// UpdateBody replaces only the text of one memory. Bytes outside the BODY
// markers of the caller's document are ignored; header and footer are always
// regenerated from chain state on the next read.
func (s *Store) UpdateBody(ctx context.Context, sc *tenant.SpaceContext, uri, document string) (*types.Memory, error) {
	if err := sc.RequireData(); err != nil {
		return nil, err
	}
	id, err := types.ParseMemoryURI(uri)
	if err != nil {
		return nil, kairoserr.Wrap(kairoserr.CodeInvalidURI, err, "invalid uri")
	}
	body, err := render.ExtractBody(document)
	if err != nil {
		return nil, err
	}
	if body == "" {
		return nil, kairoserr.New(kairoserr.CodeInvalidInput, "update contains no body content")
	}

	m, err := s.gateway.GetMemory(ctx, sc, id)
	if err != nil {
		return nil, err
	}
	if m.SpaceID != sc.DefaultWriteSpaceID {
		return nil, kairoserr.New(kairoserr.CodeForbiddenScope, "memory %s is not writable in this space", id)
	}

	m.Text = body
	vecs, err := s.embedder.EmbedBatch(ctx, []string{chain.EmbeddingText(m.Label, m.Text)})
	if err != nil {
		return nil, err
	}
	point := vector.Point{ID: m.UUID, Vector: vecs[0], Payload: vector.MemoryPayload(m)}
	if err := s.gateway.Upsert(ctx, []vector.Point{point}); err != nil {
		return nil, err
	}
	s.cache.InvalidateWrite(ctx, m.SpaceID, m.UUID)
	return m, nil
}

// Delete removes a memory. Deleting a chain head removes nothing else; each
// step is deleted by its own uri. Proof state for the step is cleared so a
// re-minted chain starts from genesis.
func (s *Store) Delete(ctx context.Context, sc *tenant.SpaceContext, uri string) error {
	if err := sc.RequireData(); err != nil {
		return err
	}
	id, err := types.ParseMemoryURI(uri)
	if err != nil {
		return kairoserr.Wrap(kairoserr.CodeInvalidURI, err, "invalid uri")
	}
	m, err := s.gateway.GetMemory(ctx, sc, id)
	if err != nil {
		return err
	}
	if m.SpaceID != sc.DefaultWriteSpaceID {
		return kairoserr.New(kairoserr.CodeForbiddenScope, "memory %s is not writable in this space", id)
	}
	if err := s.gateway.Delete(ctx, []string{id}); err != nil {
		return err
	}
	_ = s.pow.ClearStep(ctx, m.SpaceID, id)
	if m.Chain != nil {
		_ = s.pow.ClearChain(ctx, m.SpaceID, m.Chain.ID)
	}
	s.cache.InvalidateWrite(ctx, m.SpaceID, id)
	return nil
}

// BatchItem reports the outcome of one URI in a bulk update or delete.
type BatchItem struct {
	URI       string `json:"uri"`
	Label     string `json:"label,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// UpdateResult is the envelope of a bulk body update.
type UpdateResult struct {
	Results      []BatchItem `json:"results"`
	TotalUpdated int         `json:"total_updated"`
	TotalFailed  int         `json:"total_failed"`
}

// DeleteResult is the envelope of a bulk delete.
type DeleteResult struct {
	Results      []BatchItem `json:"results"`
	TotalDeleted int         `json:"total_deleted"`
	TotalFailed  int         `json:"total_failed"`
}

// UpdateMany applies UpdateBody per uri, pairing uris[i] with documents[i].
// Failures are collected per item; one bad uri never aborts the rest.
func (s *Store) UpdateMany(ctx context.Context, sc *tenant.SpaceContext, uris, documents []string) (*UpdateResult, error) {
	if len(uris) == 0 {
		return nil, kairoserr.New(kairoserr.CodeInvalidInput, "update needs at least one uri")
	}
	if len(documents) != len(uris) {
		return nil, kairoserr.New(kairoserr.CodeInvalidInput,
			"update needs one markdown_doc per uri (%d uris, %d documents)", len(uris), len(documents))
	}

	res := &UpdateResult{Results: make([]BatchItem, 0, len(uris))}
	for i, uri := range uris {
		item := BatchItem{URI: uri}
		m, err := s.UpdateBody(ctx, sc, uri, documents[i])
		if err != nil {
			item.ErrorCode = string(kairoserr.CodeOf(err))
			item.Error = err.Error()
			res.TotalFailed++
		} else {
			item.Label = m.Label
			res.TotalUpdated++
		}
		res.Results = append(res.Results, item)
	}
	return res, nil
}

// DeleteMany applies Delete per uri, collecting per-item outcomes.
func (s *Store) DeleteMany(ctx context.Context, sc *tenant.SpaceContext, uris []string) (*DeleteResult, error) {
	if len(uris) == 0 {
		return nil, kairoserr.New(kairoserr.CodeInvalidInput, "delete needs at least one uri")
	}

	res := &DeleteResult{Results: make([]BatchItem, 0, len(uris))}
	for _, uri := range uris {
		item := BatchItem{URI: uri}
		if err := s.Delete(ctx, sc, uri); err != nil {
			item.ErrorCode = string(kairoserr.CodeOf(err))
			item.Error = err.Error()
			res.TotalFailed++
		} else {
			res.TotalDeleted++
		}
		res.Results = append(res.Results, item)
	}
	return res, nil
}

func (s *Store) deleteSteps(ctx context.Context, sc *tenant.SpaceContext, space string, steps []*types.Memory) error {
	if len(steps) == 0 {
		return nil
	}
	ids := make([]string, len(steps))
	for i, st := range steps {
		ids[i] = st.UUID
	}
	if err := s.gateway.Delete(ctx, ids); err != nil {
		return err
	}
	for _, id := range ids {
		_ = s.pow.ClearStep(ctx, space, id)
	}
	s.cache.InvalidateWrite(ctx, space, ids...)
	return nil
}

// findSimilarHead checks new mints against existing chain heads by vector
// similarity.
func (s *Store) findSimilarHead(ctx context.Context, sc *tenant.SpaceContext, doc *chain.Doc, writeSpace string) (*types.Memory, error) {
	text := chain.EmbeddingText(doc.Steps[0].Label, doc.Steps[0].Body)
	vecs, err := s.embedder.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	hits, err := s.gateway.Search(ctx, sc, vecs[0],
		[]vector.Condition{{Key: "chain.step_index", Value: 1}}, 3)
	if err != nil {
		return nil, err
	}
	for _, h := range hits {
		if h.Score < s.similarThreshold {
			continue
		}
		m, err := vector.MemoryFromPayload(h.ID, h.Payload)
		if err != nil || m.SpaceID != writeSpace {
			continue
		}
		return m, nil
	}
	return nil, nil
}

func sameBodies(parsed []chain.Step, existing []*types.Memory) bool {
	if len(parsed) != len(existing) {
		return false
	}
	for i := range parsed {
		if chain.BodyHash(parsed[i].Body) != chain.BodyHash(existing[i].Text) {
			return false
		}
	}
	return true
}

func describeSteps(steps []*types.Memory) []StoredStep {
	out := make([]StoredStep, len(steps))
	for i, m := range steps {
		idx := i + 1
		if m.Chain != nil {
			idx = m.Chain.StepIndex
		}
		out[i] = StoredStep{URI: types.MemoryURI(m.UUID), MemoryUUID: m.UUID, StepIndex: idx, Label: m.Label}
	}
	return out
}
