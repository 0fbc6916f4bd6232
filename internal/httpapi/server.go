// Package httpapi is the REST surface: a thin mirror of the MCP tools plus
// health, metrics, and OAuth discovery endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kairosdev/kairos/internal/chainstore"
	"github.com/kairosdev/kairos/internal/config"
	"github.com/kairosdev/kairos/internal/embedding"
	"github.com/kairosdev/kairos/internal/kairoserr"
	"github.com/kairosdev/kairos/internal/kv"
	"github.com/kairosdev/kairos/internal/logging"
	"github.com/kairosdev/kairos/internal/nav"
	"github.com/kairosdev/kairos/internal/search"
	"github.com/kairosdev/kairos/internal/tenant"
	"github.com/kairosdev/kairos/internal/types"
	"github.com/kairosdev/kairos/internal/vector"
)

// Server bundles the handlers behind the router.
type Server struct {
	cfg      *config.Config
	chains   *chainstore.Store
	nav      *nav.Engine
	search   *search.Engine
	gateway  *vector.Gateway
	store    kv.Store
	embedder embedding.Engine
}

// New wires the REST surface.
func New(cfg *config.Config, chains *chainstore.Store, n *nav.Engine, s *search.Engine,
	gateway *vector.Gateway, store kv.Store, embedder embedding.Engine) *Server {
	return &Server{cfg: cfg, chains: chains, nav: n, search: s, gateway: gateway, store: store, embedder: embedder}
}

// Router builds the chi router. authMiddleware runs on the tool routes only;
// discovery, health, and metrics stay open.
func (s *Server) Router(authMiddleware func(http.Handler) http.Handler, mcpHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.Server.RequestTimeout))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/.well-known/oauth-protected-resource", s.handleResourceMetadata)
	r.Get("/.well-known/oauth-protected-resource/mcp", s.handleResourceMetadata)

	r.Group(func(r chi.Router) {
		if authMiddleware != nil {
			r.Use(authMiddleware)
		}
		r.Handle("/mcp", mcpHandler)
		r.Route("/api", func(r chi.Router) {
			r.Post("/kairos_mint", s.handleMint)
			r.Post("/kairos_begin", s.handleBegin)
			r.Post("/kairos_next", s.handleNext)
			r.Post("/kairos_attest", s.handleAttest)
			r.Post("/kairos_search", s.handleSearch)
			r.Post("/kairos_update", s.handleUpdate)
			r.Post("/kairos_delete", s.handleDelete)
			r.Post("/kairos_dump", s.handleDump)
		})
	})
	return r
}

// handleHealth aggregates dependency health. Degraded dependencies are named;
// the endpoint answers 503 only when the vector store is down, since nothing
// works without it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := map[string]string{"store": "ok", "kv": "ok", "embedding": "ok"}
	healthy := true

	if err := s.gateway.Health(ctx); err != nil {
		status["store"] = err.Error()
		healthy = false
	}
	if err := s.store.Ping(ctx); err != nil {
		status["kv"] = err.Error()
	}
	if hc, ok := s.embedder.(embedding.HealthChecker); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			status["embedding"] = err.Error()
		}
	}

	code := http.StatusOK
	overall := "ok"
	if !healthy {
		code = http.StatusServiceUnavailable
		overall = "unavailable"
	} else if status["kv"] != "ok" || status["embedding"] != "ok" {
		overall = "degraded"
	}
	writeJSON(w, code, map[string]any{"status": overall, "dependencies": status})
}

// handleResourceMetadata serves RFC 9728 protected resource metadata so MCP
// clients can discover the authorization servers.
func (s *Server) handleResourceMetadata(w http.ResponseWriter, r *http.Request) {
	base := strings.TrimRight(s.cfg.Server.PublicURL, "/")
	scopes := s.cfg.Auth.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid"}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"resource":              base + "/mcp",
		"authorization_servers": s.cfg.Auth.TrustedIssuers,
		"scopes_supported":      scopes,
		"bearer_methods_supported": []string{
			"header",
		},
		"authorization_request_parameters": map[string]string{
			"prompt": "login",
		},
	})
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Markdown    string `json:"markdown_doc"`
		Domain      string `json:"domain"`
		LLMModelID  string `json:"llm_model_id"`
		ForceUpdate bool   `json:"force_update"`
	}
	if !decode(w, r, &req) {
		return
	}
	sc := tenant.FromContext(r.Context())
	steps, err := s.chains.StoreChain(r.Context(), sc, req.Markdown, chainstore.Options{
		Domain:      req.Domain,
		LLMModelID:  req.LLMModelID,
		ForceUpdate: req.ForceUpdate,
	})
	if err != nil {
		if kairoserr.Is(err, kairoserr.CodeDuplicateChain) && len(steps) > 0 {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error_code":     string(kairoserr.CodeDuplicateChain),
				"message":        err.Error(),
				"existing_steps": steps,
			})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": steps})
}

func (s *Server) handleBegin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
		URI   string `json:"uri"`
		Limit int    `json:"limit"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Query == "" && req.URI == "" {
		writeError(w, kairoserr.New(kairoserr.CodeInvalidInput, "begin needs a query or a uri"))
		return
	}
	sc := tenant.FromContext(r.Context())
	res, err := s.nav.Begin(r.Context(), sc, req.Query, req.URI, req.Limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if res.Step != nil {
		writeJSON(w, http.StatusOK, res.Step)
		return
	}
	writeJSON(w, http.StatusOK, res.Choices)
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URI      string          `json:"uri"`
		Solution *types.Solution `json:"solution"`
	}
	if !decode(w, r, &req) {
		return
	}
	sc := tenant.FromContext(r.Context())
	resp, err := s.nav.Next(r.Context(), sc, req.URI, req.Solution)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAttest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URI          string  `json:"uri"`
		Outcome      string  `json:"outcome"`
		Message      string  `json:"message"`
		QualityBonus float64 `json:"quality_bonus"`
		LLMModelID   string  `json:"llm_model_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	sc := tenant.FromContext(r.Context())
	res, err := s.nav.Attest(r.Context(), sc, req.URI, req.Outcome, req.Message, nav.AttestOptions{
		QualityBonus: req.QualityBonus,
		LLMModelID:   req.LLMModelID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query  string `json:"query"`
		Limit  int    `json:"limit"`
		Domain string `json:"domain"`
	}
	if !decode(w, r, &req) {
		return
	}
	sc := tenant.FromContext(r.Context())
	resp, err := s.search.SmartSearch(r.Context(), sc, req.Query, search.Params{
		Limit:          req.Limit,
		Domain:         req.Domain,
		CrossDomain:    true,
		CollapseChains: true,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URIs     []string `json:"uris"`
		Markdown []string `json:"markdown_doc"`
	}
	if !decode(w, r, &req) {
		return
	}
	sc := tenant.FromContext(r.Context())
	res, err := s.chains.UpdateMany(r.Context(), sc, req.URIs, req.Markdown)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URIs []string `json:"uris"`
	}
	if !decode(w, r, &req) {
		return
	}
	sc := tenant.FromContext(r.Context())
	res, err := s.chains.DeleteMany(r.Context(), sc, req.URIs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URI        string `json:"uri"`
		WholeChain bool   `json:"whole_chain"`
	}
	if !decode(w, r, &req) {
		return
	}
	sc := tenant.FromContext(r.Context())
	res, err := s.nav.Dump(r.Context(), sc, req.URI, req.WholeChain)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func decode(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeError(w, kairoserr.Wrap(kairoserr.CodeInvalidInput, err, "bad request body"))
		return false
	}
	return true
}

// writeError maps taxonomy codes onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	code := kairoserr.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case kairoserr.CodeInvalidInput, kairoserr.CodeInvalidURI, kairoserr.CodeTypeMismatch,
		kairoserr.CodeMissingSolution, kairoserr.CodeCommentTooShort:
		status = http.StatusBadRequest
	case kairoserr.CodeNotFound:
		status = http.StatusNotFound
	case kairoserr.CodeDuplicateChain, kairoserr.CodeConflict, kairoserr.CodeNonceMismatch,
		kairoserr.CodeProofHashMismatch, kairoserr.CodePreviousProofMissing:
		status = http.StatusConflict
	case kairoserr.CodeAuthRequired:
		status = http.StatusUnauthorized
	case kairoserr.CodeForbiddenScope, kairoserr.CodeMaxRetriesExceeded:
		status = http.StatusForbidden
	case kairoserr.CodeStoreUnavailable, kairoserr.CodeEmbedUnavailable:
		status = http.StatusServiceUnavailable
	case kairoserr.CodeRequestTimeout:
		status = http.StatusGatewayTimeout
	}
	body := map[string]any{"message": err.Error()}
	if code != "" {
		body["error_code"] = string(code)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Get(logging.CategoryServer).Warn("response write failed: %v", err)
	}
}
