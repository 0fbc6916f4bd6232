// Package metrics exposes the Prometheus instrumentation shared by the HTTP
// and MCP surfaces.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ToolCalls counts protocol tool invocations by tool name and result.
	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kairos",
		Name:      "tool_calls_total",
		Help:      "Protocol tool invocations by tool and result.",
	}, []string{"tool", "result"})

	// ProofSubmissions counts proof-of-work validations by outcome code.
	ProofSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kairos",
		Name:      "proof_submissions_total",
		Help:      "Proof submissions by outcome (ok or error code).",
	}, []string{"outcome"})

	// CacheLookups counts cache hits and misses by layer.
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kairos",
		Name:      "cache_lookups_total",
		Help:      "Cache lookups by kind (memory, search) and result (hit, miss).",
	}, []string{"kind", "result"})

	// SearchDuration observes end-to-end search latency.
	SearchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kairos",
		Name:      "search_duration_seconds",
		Help:      "End-to-end search latency.",
		Buckets:   prometheus.DefBuckets,
	})

	// EmbedDuration observes embedding provider latency.
	EmbedDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kairos",
		Name:      "embed_duration_seconds",
		Help:      "Embedding provider latency by provider.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider"})

	// StoreRequests counts vector store round trips by operation and result.
	StoreRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kairos",
		Name:      "store_requests_total",
		Help:      "Vector store requests by operation and result.",
	}, []string{"op", "result"})

	// ChainsMinted counts successfully minted chains.
	ChainsMinted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kairos",
		Name:      "chains_minted_total",
		Help:      "Successfully minted protocol chains.",
	})

	// Attestations counts chain attestations by outcome.
	Attestations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kairos",
		Name:      "attestations_total",
		Help:      "Chain attestations by outcome.",
	}, []string{"outcome"})
)
