// Package embedding provides vector embedding generation for semantic search.
// Supports multiple backends: Ollama (local), Google GenAI (cloud), and any
// OpenAI-compatible endpoint. Provider "auto" prefers Ollama and falls back
// to GenAI when an API key is configured.
package embedding

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/kairosdev/kairos/internal/config"
	"github.com/kairosdev/kairos/internal/kairoserr"
	"github.com/kairosdev/kairos/internal/logging"
	"github.com/kairosdev/kairos/internal/metrics"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings.
	Dimensions() int

	// Name returns the engine name.
	Name() string
}

// HealthChecker is an optional interface for engines that can verify
// availability before batch operations.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// NewEngine creates an embedding engine based on configuration.
func NewEngine(ctx context.Context, cfg config.EmbeddingConfig) (Engine, error) {
	log := logging.Get(logging.CategoryEmbedding)
	log.Info("creating embedding engine: provider=%s dimension=%d", cfg.Provider, cfg.Dimension)

	engine, err := buildEngine(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return &instrumented{Engine: engine}, nil
}

func buildEngine(ctx context.Context, cfg config.EmbeddingConfig, log *logging.Logger) (Engine, error) {
	switch cfg.Provider {
	case "ollama":
		return newOllamaChecked(ctx, cfg)
	case "genai":
		return NewGenAIEngine(ctx, cfg.GenAIAPIKey, cfg.GenAIModel, cfg.Dimension)
	case "openai":
		return NewOpenAIEngine(cfg.OpenAIEndpoint, cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.Dimension)
	case "auto", "":
		engine, err := newOllamaChecked(ctx, cfg)
		if err == nil {
			return engine, nil
		}
		log.Warn("ollama unavailable (%v), falling back to genai", err)
		if cfg.GenAIAPIKey != "" {
			return NewGenAIEngine(ctx, cfg.GenAIAPIKey, cfg.GenAIModel, cfg.Dimension)
		}
		return nil, kairoserr.Wrap(kairoserr.CodeEmbedUnavailable, err,
			"no embedding provider reachable (ollama down, no genai key)")
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'auto', 'ollama', 'genai' or 'openai')", cfg.Provider)
	}
}

// newOllamaChecked builds the Ollama engine and verifies it both responds and
// produces vectors of the configured dimension.
func newOllamaChecked(ctx context.Context, cfg config.EmbeddingConfig) (Engine, error) {
	engine, err := NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel, cfg.Dimension)
	if err != nil {
		return nil, err
	}
	if err := engine.HealthCheck(ctx); err != nil {
		return nil, err
	}
	return engine, nil
}

// instrumented records provider latency around every embedding call.
type instrumented struct {
	Engine
}

func (i *instrumented) Embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vec, err := i.Engine.Embed(ctx, text)
	metrics.EmbedDuration.WithLabelValues(i.Name()).Observe(time.Since(start).Seconds())
	return vec, err
}

func (i *instrumented) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	vecs, err := i.Engine.EmbedBatch(ctx, texts)
	metrics.EmbedDuration.WithLabelValues(i.Name()).Observe(time.Since(start).Seconds())
	return vecs, err
}

func (i *instrumented) HealthCheck(ctx context.Context) error {
	if hc, ok := i.Engine.(HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// NegotiateDimension probes the engine with a short text and returns the
// dimension it actually produces. Startup fails when this disagrees with the
// collection; serving with a mismatched schema is never allowed.
func NegotiateDimension(ctx context.Context, engine Engine) (int, error) {
	vec, err := engine.Embed(ctx, "dimension probe")
	if err != nil {
		return 0, kairoserr.Wrap(kairoserr.CodeEmbedUnavailable, err, "embedding probe failed")
	}
	if len(vec) == 0 {
		return 0, kairoserr.New(kairoserr.CodeEmbedUnavailable, "embedding probe returned empty vector")
	}
	return len(vec), nil
}

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dotProduct, aMagnitude, bMagnitude float64
	for i := 0; i < len(a); i++ {
		dotProduct += float64(a[i] * b[i])
		aMagnitude += float64(a[i] * a[i])
		bMagnitude += float64(b[i] * b[i])
	}

	if aMagnitude == 0 || bMagnitude == 0 {
		return 0, nil
	}
	return dotProduct / (math.Sqrt(aMagnitude) * math.Sqrt(bMagnitude)), nil
}
