package vector

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kairosdev/kairos/internal/types"
)

// MemoryPayload converts a memory to its stored payload form. The chain block
// is nested; indexes reference it by dotted path.
func MemoryPayload(m *types.Memory) map[string]any {
	p := map[string]any{
		"type":       "memory",
		"space_id":   m.SpaceID,
		"label":      m.Label,
		"text":       m.Text,
		"created_at": m.CreatedAt.UTC().Format(time.RFC3339),
	}
	if len(m.Tags) > 0 {
		p["tags"] = m.Tags
	}
	if m.Domain != "" {
		p["domain"] = m.Domain
	}
	if m.Task != "" {
		p["task"] = m.Task
	}
	if m.LLMModelID != "" {
		p["llm_model_id"] = m.LLMModelID
	}
	if m.Chain != nil {
		p["chain"] = map[string]any{
			"id":         m.Chain.ID,
			"label":      m.Chain.Label,
			"step_index": m.Chain.StepIndex,
			"step_count": m.Chain.StepCount,
		}
	}
	if m.ProofOfWork != nil {
		// JSON round-trip keeps the payload a plain map for the engine.
		if data, err := json.Marshal(m.ProofOfWork); err == nil {
			var pow map[string]any
			if json.Unmarshal(data, &pow) == nil {
				p["proof_of_work"] = pow
			}
		}
	}
	return p
}

// MemoryFromPayload reconstructs a memory from a stored point.
func MemoryFromPayload(id string, payload map[string]any) (*types.Memory, error) {
	if payload == nil {
		return nil, fmt.Errorf("point %s has no payload", id)
	}
	m := &types.Memory{
		UUID:    id,
		SpaceID: asString(payload["space_id"]),
		Label:   asString(payload["label"]),
		Text:    asString(payload["text"]),
		Domain:  asString(payload["domain"]),
		Task:    asString(payload["task"]),
	}
	m.LLMModelID = asString(payload["llm_model_id"])
	if ts := asString(payload["created_at"]); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			m.CreatedAt = t
		}
	}
	if tags, ok := payload["tags"].([]any); ok {
		for _, t := range tags {
			if s := asString(t); s != "" {
				m.Tags = append(m.Tags, s)
			}
		}
	}
	if chain, ok := payload["chain"].(map[string]any); ok {
		m.Chain = &types.ChainRef{
			ID:        asString(chain["id"]),
			Label:     asString(chain["label"]),
			StepIndex: asInt(chain["step_index"]),
			StepCount: asInt(chain["step_count"]),
		}
	}
	if pow, ok := payload["proof_of_work"].(map[string]any); ok {
		data, err := json.Marshal(pow)
		if err == nil {
			var def types.ProofOfWork
			if json.Unmarshal(data, &def) == nil && def.Type != "" {
				m.ProofOfWork = &def
			}
		}
	}
	return m, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}
