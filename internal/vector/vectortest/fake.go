// Package vectortest provides an in-memory vector.Client for engine tests.
// It evaluates the same filter semantics the real engine applies: space_id
// any-match plus payload equality on dotted paths.
package vectortest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/kairosdev/kairos/internal/vector"
)

// FakeClient is a thread-safe in-memory vector.Client.
type FakeClient struct {
	mu     sync.Mutex
	order  []string
	points map[string]vector.Point

	// Scores maps point id to the similarity Search reports. Unlisted points
	// score 0.5.
	Scores map[string]float64

	// Err, when set, is returned by every data operation.
	Err error

	Dim int
}

// NewFakeClient creates an empty fake with the given collection dimension.
func NewFakeClient(dim int) *FakeClient {
	return &FakeClient{points: map[string]vector.Point{}, Scores: map[string]float64{}, Dim: dim}
}

func (f *FakeClient) CollectionExists(context.Context, string) (bool, error) { return true, f.Err }
func (f *FakeClient) CollectionDimension(context.Context, string) (int, error) {
	return f.Dim, f.Err
}
func (f *FakeClient) CreateCollection(context.Context, string, int) error          { return f.Err }
func (f *FakeClient) DropCollection(context.Context, string) error                 { return f.Err }
func (f *FakeClient) CreateFieldIndex(context.Context, string, vector.PayloadIndex) error {
	return f.Err
}
func (f *FakeClient) UpdateAlias(context.Context, string, string) error { return f.Err }
func (f *FakeClient) Health(context.Context) error                      { return f.Err }

func (f *FakeClient) Upsert(_ context.Context, _ string, points []vector.Point) error {
	if f.Err != nil {
		return f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range points {
		if _, ok := f.points[p.ID]; !ok {
			f.order = append(f.order, p.ID)
		}
		f.points[p.ID] = p
	}
	return nil
}

func (f *FakeClient) Retrieve(_ context.Context, _ string, ids []string) ([]vector.Point, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []vector.Point
	for _, id := range ids {
		if p, ok := f.points[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *FakeClient) Scroll(_ context.Context, _ string, filter vector.Filter, limit int, offset string) ([]vector.Point, string, error) {
	if f.Err != nil {
		return nil, "", f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	start := 0
	if offset != "" {
		start, _ = strconv.Atoi(offset)
	}
	var matched []vector.Point
	for _, id := range f.order {
		p := f.points[id]
		if matches(filter, p.Payload) {
			matched = append(matched, p)
		}
	}
	if start >= len(matched) {
		return nil, "", nil
	}
	end := start + limit
	next := ""
	if end < len(matched) {
		next = strconv.Itoa(end)
	} else {
		end = len(matched)
	}
	return matched[start:end], next, nil
}

func (f *FakeClient) Search(_ context.Context, _ string, _ []float32, filter vector.Filter, limit int) ([]vector.ScoredPoint, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []vector.ScoredPoint
	for _, id := range f.order {
		p := f.points[id]
		if !matches(filter, p.Payload) {
			continue
		}
		score, ok := f.Scores[id]
		if !ok {
			score = 0.5
		}
		out = append(out, vector.ScoredPoint{ID: p.ID, Score: score, Payload: p.Payload})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *FakeClient) Delete(_ context.Context, _ string, ids []string) error {
	if f.Err != nil {
		return f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.points, id)
	}
	var order []string
	for _, id := range f.order {
		if _, ok := f.points[id]; ok {
			order = append(order, id)
		}
	}
	f.order = order
	return nil
}

func (f *FakeClient) SetPayload(_ context.Context, _ string, id string, patch map[string]any) error {
	if f.Err != nil {
		return f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.points[id]
	if !ok {
		return fmt.Errorf("point %s not found", id)
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	for k, v := range patch {
		p.Payload[k] = v
	}
	f.points[id] = p
	return nil
}

// Count returns the number of stored points.
func (f *FakeClient) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.points)
}

// Payload returns a stored point's payload, or nil.
func (f *FakeClient) Payload(id string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.points[id]; ok {
		return p.Payload
	}
	return nil
}

func matches(filter vector.Filter, payload map[string]any) bool {
	if len(filter.SpaceIDs) > 0 {
		space, _ := lookup(payload, "space_id").(string)
		found := false
		for _, id := range filter.SpaceIDs {
			if id == space {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, c := range filter.Must {
		v := lookup(payload, c.Key)
		if len(c.Any) > 0 {
			s, _ := v.(string)
			found := false
			for _, a := range c.Any {
				if a == s {
					found = true
					break
				}
			}
			if !found {
				return false
			}
			continue
		}
		if fmt.Sprint(v) != fmt.Sprint(c.Value) {
			return false
		}
	}
	return true
}

func lookup(payload map[string]any, path string) any {
	parts := strings.Split(path, ".")
	var cur any = payload
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[p]
	}
	return cur
}
