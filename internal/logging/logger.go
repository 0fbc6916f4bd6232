// Package logging provides category-scoped loggers for the Kairos server,
// backed by a shared zap core. Categories let operators raise verbosity for
// one subsystem (store, pow, search) without drowning in the rest.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names a logging subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"      // startup, config, schema init
	CategoryServer    Category = "server"    // HTTP/MCP surfaces
	CategoryAuth      Category = "auth"      // token validation, JWKS
	CategoryTenant    Category = "tenant"    // space derivation
	CategoryKV        Category = "kv"        // key-value store
	CategoryStore     Category = "store"     // vector store gateway
	CategoryEmbedding Category = "embedding" // embedding providers
	CategoryCache     Category = "cache"     // memory/search caches, invalidation
	CategoryChain     Category = "chain"     // parsing and chain store
	CategoryPoW       Category = "pow"       // proof-of-work engine
	CategoryNav       Category = "nav"       // begin/next/attest
	CategorySearch    Category = "search"    // search and ranking
)

var (
	mu      sync.RWMutex
	root    = zap.NewNop()
	loggers = map[Category]*Logger{}
)

// Logger is a category-scoped printf-style logger.
type Logger struct {
	s *zap.SugaredLogger
}

func (l *Logger) Debug(format string, args ...any) { l.s.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...any)  { l.s.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.s.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...any) { l.s.Errorf(format, args...) }

// Init installs the process-wide zap logger. Verbose flips the level to debug.
// Call once at startup before any Get.
func Init(verbose bool) error {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := cfg.Build(zap.AddCallerSkip(2))
	if err != nil {
		return err
	}
	SetRoot(logger)
	return nil
}

// SetRoot replaces the backing zap logger. Tests use this with zap.NewNop or
// an observed core.
func SetRoot(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = l
	loggers = map[Category]*Logger{}
}

// Get returns the logger for a category, creating it on first use.
func Get(c Category) *Logger {
	mu.RLock()
	if l, ok := loggers[c]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[c]; ok {
		return l
	}
	l := &Logger{s: root.Named(string(c)).Sugar()}
	loggers[c] = l
	return l
}

// Sync flushes buffered log entries. Called on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}
