package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kairosdev/kairos/internal/auth"
	"github.com/kairosdev/kairos/internal/boot"
	"github.com/kairosdev/kairos/internal/cache"
	"github.com/kairosdev/kairos/internal/chainstore"
	"github.com/kairosdev/kairos/internal/config"
	"github.com/kairosdev/kairos/internal/embedding"
	"github.com/kairosdev/kairos/internal/httpapi"
	"github.com/kairosdev/kairos/internal/kv"
	"github.com/kairosdev/kairos/internal/logging"
	"github.com/kairosdev/kairos/internal/mcp"
	"github.com/kairosdev/kairos/internal/nav"
	"github.com/kairosdev/kairos/internal/pow"
	"github.com/kairosdev/kairos/internal/search"
	"github.com/kairosdev/kairos/internal/tenant"
	"github.com/kairosdev/kairos/internal/vector"
)

var version = "dev"

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "kairosd",
	Short: "Kairos protocol execution server",
	Long: `Kairos stores agent protocols as ordered memory chains and enforces
step-by-step execution with proof-of-work challenges. Agents connect over
MCP or the REST API; this binary also ships operator subcommands for
minting and searching protocols directly.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Init(verbose)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Kairos server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var mintCmd = &cobra.Command{
	Use:   "mint [file]",
	Short: "Mint a protocol document from a markdown file",
	Args:  cobra.ExactArgs(1),
	RunE:  runMint,
}

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search stored protocols",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

var (
	mintDomain string
	mintForce  bool
	mintModel  string

	searchLimit  int
	searchDomain string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	mintCmd.Flags().StringVar(&mintDomain, "domain", "", "domain tag for the chain")
	mintCmd.Flags().BoolVar(&mintForce, "force", false, "replace an existing chain with the same title")
	mintCmd.Flags().StringVar(&mintModel, "model", "", "llm model id to record on the chain")

	searchCmd.Flags().IntVar(&searchLimit, "limit", 5, "maximum matches")
	searchCmd.Flags().StringVar(&searchDomain, "domain", "", "restrict to one domain")

	rootCmd.AddCommand(serveCmd, mintCmd, searchCmd)
}

// app holds the wired engine graph.
type app struct {
	cfg      *config.Config
	store    kv.Store
	gateway  *vector.Gateway
	embedder embedding.Engine
	cache    *cache.Cache
	pow      *pow.Engine
	chains   *chainstore.Store
	search   *search.Engine
	nav      *nav.Engine
}

// buildApp wires every engine from configuration. The vector collection is
// initialized here so callers can assume a ready schema.
func buildApp(ctx context.Context) (*app, error) {
	log := logging.Get(logging.CategoryBoot)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	var store kv.Store
	if cfg.KV.URL != "" {
		store, err = kv.NewRedisStore(cfg.KV.URL)
		if err != nil {
			return nil, err
		}
		log.Info("key-value store: redis at %s", cfg.KV.URL)
	} else {
		store = kv.NewMemoryStore()
		log.Info("key-value store: in-memory (no cross-process invalidation)")
	}

	embedder, err := embedding.NewEngine(ctx, cfg.Embedding)
	if err != nil {
		return nil, err
	}
	dim, err := embedding.NegotiateDimension(ctx, embedder)
	if err != nil {
		return nil, err
	}
	if dim != cfg.Embedding.Dimension {
		log.Warn("embedder %s produces %d dimensions, overriding configured %d",
			embedder.Name(), dim, cfg.Embedding.Dimension)
	}

	client := vector.NewHTTPClient(cfg.Store.URL, cfg.Store.APIKey, cfg.Store.Timeout)
	gateway := vector.NewGateway(client, cfg.Store.Collection, cfg.Store.Alias, dim,
		tenant.DefaultSpaceID, cfg.Store.MaxRetries)
	if err := gateway.Init(ctx); err != nil {
		return nil, err
	}

	c := cache.New(store, cfg.KV.Prefix)
	p := pow.New(store, cfg.KV.Prefix)
	chains := chainstore.New(gateway, embedder, c, p, cfg.Search.SimilarMemoryThreshold)
	searchEngine := search.New(gateway, embedder, c, cfg.Search)
	navEngine := nav.New(gateway, p, searchEngine, c, store, cfg.KV.Prefix)

	return &app{
		cfg:      cfg,
		store:    store,
		gateway:  gateway,
		embedder: embedder,
		cache:    c,
		pow:      p,
		chains:   chains,
		search:   searchEngine,
		nav:      navEngine,
	}, nil
}

func (a *app) close() {
	a.cache.Close()
	_ = a.store.Close()
}

func runServe(ctx context.Context) error {
	log := logging.Get(logging.CategoryBoot)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if err := boot.Seed(ctx, a.chains, a.cfg.Search.AppSpaceID); err != nil {
		return fmt.Errorf("failed to seed app space: %w", err)
	}

	validator := auth.NewValidator(a.cfg.Auth, a.cfg.Search.AppSpaceID)
	mcpServer := mcp.NewServer(a.chains, a.nav, a.search, version)
	api := httpapi.New(a.cfg, a.chains, a.nav, a.search, a.gateway, a.store, a.embedder)

	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           api.Router(validator.Middleware(a.cfg.Server.PublicURL), mcpServer),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("kairos %s listening on %s (auth=%t)", version, a.cfg.Server.ListenAddr, a.cfg.Auth.Enabled)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runMint(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	sc := tenant.Derive(nil, false, a.cfg.Search.AppSpaceID)
	steps, err := a.chains.StoreChain(ctx, sc, string(data), chainstore.Options{
		Domain:      mintDomain,
		ForceUpdate: mintForce,
		LLMModelID:  mintModel,
	})
	if err != nil {
		return err
	}
	return printJSON(steps)
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	sc := tenant.Derive(nil, false, a.cfg.Search.AppSpaceID)
	query := ""
	for i, arg := range args {
		if i > 0 {
			query += " "
		}
		query += arg
	}
	resp, err := a.search.SmartSearch(ctx, sc, query, search.Params{
		Limit:          searchLimit,
		Domain:         searchDomain,
		CrossDomain:    searchDomain == "",
		CollapseChains: true,
	})
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
