// Package vector wraps the external vector database. The Client speaks the
// storage engine's REST API; the Gateway layers schema management, tenant
// filtering, retry, and vector shape normalization on top so callers never
// touch the engine directly.
package vector

// Point is one stored record: id, embedding, and payload.
type Point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ScoredPoint is a search hit.
type ScoredPoint struct {
	ID      string         `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Condition is one payload match clause.
type Condition struct {
	Key string
	// Exactly one of Value or Any is set.
	Value any
	Any   []string
}

// Filter is the typed query filter. SpaceIDs is mandatory on every tenant
// query; the gateway merges it in and builders cannot omit it.
type Filter struct {
	SpaceIDs []string
	Must     []Condition
}

// WithMust returns a copy of f with an extra equality clause.
func (f Filter) WithMust(key string, value any) Filter {
	out := f
	out.Must = append(append([]Condition{}, f.Must...), Condition{Key: key, Value: value})
	return out
}

// engine-level JSON shapes for filters

type engineMatch struct {
	Value any      `json:"value,omitempty"`
	Any   []string `json:"any,omitempty"`
}

type engineCondition struct {
	Key   string      `json:"key"`
	Match engineMatch `json:"match"`
}

type engineFilter struct {
	Must []engineCondition `json:"must,omitempty"`
}

func (f Filter) toEngine() *engineFilter {
	ef := &engineFilter{}
	if len(f.SpaceIDs) > 0 {
		ef.Must = append(ef.Must, engineCondition{Key: "space_id", Match: engineMatch{Any: f.SpaceIDs}})
	}
	for _, c := range f.Must {
		if len(c.Any) > 0 {
			ef.Must = append(ef.Must, engineCondition{Key: c.Key, Match: engineMatch{Any: c.Any}})
			continue
		}
		ef.Must = append(ef.Must, engineCondition{Key: c.Key, Match: engineMatch{Value: c.Value}})
	}
	if len(ef.Must) == 0 {
		return nil
	}
	return ef
}

// PayloadIndex describes one payload index the schema requires.
type PayloadIndex struct {
	Field    string
	Type     string // keyword, integer
	IsTenant bool
}

// RequiredIndexes is the payload index set created on collection init.
// space_id carries the tenant flag so the engine shards by it.
func RequiredIndexes() []PayloadIndex {
	return []PayloadIndex{
		{Field: "space_id", Type: "keyword", IsTenant: true},
		{Field: "domain", Type: "keyword"},
		{Field: "type", Type: "keyword"},
		{Field: "task", Type: "keyword"},
		{Field: "chain.id", Type: "keyword"},
		{Field: "chain.step_index", Type: "integer"},
	}
}
