// Package config holds all Kairos server configuration. Settings load from an
// optional YAML file, then environment variables override individual fields.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	KV        KVConfig        `yaml:"kv"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Auth      AuthConfig      `yaml:"auth"`
	Search    SearchConfig    `yaml:"search"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP/MCP surface.
type ServerConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PublicURL      string        `yaml:"public_url"` // external base URL, used in OAuth discovery
}

// StoreConfig configures the external vector database.
type StoreConfig struct {
	URL        string        `yaml:"url"`
	APIKey     string        `yaml:"api_key"`
	Collection string        `yaml:"collection"`
	Alias      string        `yaml:"alias"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// KVConfig configures the key-value store. An empty URL selects the in-memory
// implementation, which cannot invalidate caches across processes.
type KVConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// EmbeddingConfig configures the embedding provider.
// Provider "auto" tries ollama first and falls back to genai when an API key
// is present.
type EmbeddingConfig struct {
	Provider  string `yaml:"provider"` // auto, ollama, genai, openai
	Dimension int    `yaml:"dimension"`

	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`

	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"`

	OpenAIEndpoint string `yaml:"openai_endpoint"`
	OpenAIAPIKey   string `yaml:"openai_api_key"`
	OpenAIModel    string `yaml:"openai_model"`
}

// AuthConfig configures OAuth bearer enforcement.
type AuthConfig struct {
	Enabled          bool          `yaml:"enabled"`
	TrustedIssuers   []string      `yaml:"trusted_issuers"`
	AllowedAudiences []string      `yaml:"allowed_audiences"`
	Scopes           []string      `yaml:"scopes"`
	JWKSCacheTTL     time.Duration `yaml:"jwks_cache_ttl"`
}

// SearchConfig configures ranking cutoffs and the shared app space.
type SearchConfig struct {
	ScoreThreshold         float64  `yaml:"score_threshold"`
	SimilarMemoryThreshold float64  `yaml:"similar_memory_threshold"`
	AppSpaceID             string   `yaml:"app_space_id"`
	CrossDomains           []string `yaml:"cross_domains"`
}

// LoggingConfig controls verbosity.
type LoggingConfig struct {
	Verbose bool `yaml:"verbose"`
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:     ":8180",
			RequestTimeout: 30 * time.Second,
			PublicURL:      "http://localhost:8180",
		},
		Store: StoreConfig{
			URL:        "http://localhost:6333",
			Collection: "kairos_memories",
			Alias:      "current",
			Timeout:    15 * time.Second,
			MaxRetries: 3,
		},
		KV: KVConfig{
			Prefix: "kairos:",
		},
		Embedding: EmbeddingConfig{
			Provider:       "auto",
			Dimension:      768,
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
			OpenAIModel:    "text-embedding-3-small",
		},
		Auth: AuthConfig{
			Scopes:       []string{"openid"},
			JWKSCacheTTL: 15 * time.Minute,
		},
		Search: SearchConfig{
			ScoreThreshold:         0.3,
			SimilarMemoryThreshold: 0.9,
			AppSpaceID:             "space:kairos-app",
			CrossDomains:           []string{"coding", "devops", "testing", "docs"},
		},
	}
}

// Load reads the config file at path (if path is non-empty and the file
// exists), then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("KAIROS_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("KAIROS_PUBLIC_URL"); v != "" {
		c.Server.PublicURL = v
	}

	if v := os.Getenv("STORE_URL"); v != "" {
		c.Store.URL = v
	}
	if v := os.Getenv("STORE_API_KEY"); v != "" {
		c.Store.APIKey = v
	}
	if v := os.Getenv("STORE_COLLECTION"); v != "" {
		c.Store.Collection = v
	}

	if v, ok := os.LookupEnv("KV_URL"); ok {
		c.KV.URL = v
	}

	if v := os.Getenv("EMBEDDING_PROVIDER"); v != "" {
		c.Embedding.Provider = v
	}
	if v := os.Getenv("EMBEDDING_DIMENSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Embedding.Dimension = n
		}
	}
	if v := os.Getenv("OLLAMA_ENDPOINT"); v != "" {
		c.Embedding.OllamaEndpoint = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Embedding.GenAIAPIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Embedding.OpenAIAPIKey = v
	}

	if v := os.Getenv("AUTH_ENABLED"); v != "" {
		c.Auth.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("AUTH_TRUSTED_ISSUERS"); v != "" {
		c.Auth.TrustedIssuers = splitAndTrim(v)
	}
	if v := os.Getenv("AUTH_ALLOWED_AUDIENCES"); v != "" {
		c.Auth.AllowedAudiences = splitAndTrim(v)
	}
	if v := os.Getenv("AUTH_SCOPES"); v != "" {
		c.Auth.Scopes = splitAndTrim(v)
	}
	if v := os.Getenv("AUTH_JWKS_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Auth.JWKSCacheTTL = d
		}
	}

	if v := os.Getenv("SCORE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Search.ScoreThreshold = f
		}
	}
	if v := os.Getenv("SIMILAR_MEMORY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Search.SimilarMemoryThreshold = f
		}
	}
	if v := os.Getenv("APP_SPACE_ID"); v != "" {
		c.Search.AppSpaceID = v
	}
}

func (c *Config) validate() error {
	if c.Store.URL == "" {
		return fmt.Errorf("store.url is required")
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive, got %d", c.Embedding.Dimension)
	}
	if c.Auth.Enabled && len(c.Auth.TrustedIssuers) == 0 {
		return fmt.Errorf("auth.enabled requires at least one trusted issuer")
	}
	return nil
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
