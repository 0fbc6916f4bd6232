// Package mcp exposes the protocol tools over the Model Context Protocol:
// JSON-RPC 2.0 on a single streamable HTTP endpoint. Agents call the tools;
// all semantics live in the engines behind them.
package mcp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kairosdev/kairos/internal/chainstore"
	"github.com/kairosdev/kairos/internal/kairoserr"
	"github.com/kairosdev/kairos/internal/logging"
	"github.com/kairosdev/kairos/internal/metrics"
	"github.com/kairosdev/kairos/internal/nav"
	"github.com/kairosdev/kairos/internal/search"
	"github.com/kairosdev/kairos/internal/tenant"
	"github.com/kairosdev/kairos/internal/types"
)

const protocolVersion = "2024-11-05"

// Server dispatches MCP requests onto the protocol engines.
type Server struct {
	chains   *chainstore.Store
	nav      *nav.Engine
	search   *search.Engine
	searcher searchParams
	name     string
	version  string
}

type searchParams struct {
	crossDomain bool
}

// NewServer wires the MCP surface.
func NewServer(chains *chainstore.Store, n *nav.Engine, s *search.Engine, version string) *Server {
	return &Server{
		chains:   chains,
		nav:      n,
		search:   s,
		searcher: searchParams{crossDomain: true},
		name:     "kairos",
		version:  version,
	}
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

const (
	codeParse          = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
)

// ServeHTTP handles one JSON-RPC message per POST.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParse, Message: "parse error"}})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeInvalidRequest, Message: "invalid request"}})
		return
	}

	// Notifications get no response body.
	if req.ID == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	resp := s.dispatch(r, req)
	writeRPC(w, resp)
}

func (s *Server) dispatch(r *http.Request, req rpcRequest) rpcResponse {
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "initialize":
		resp.Result = map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": s.name, "version": s.version},
		}
	case "ping":
		resp.Result = map[string]any{}
	case "tools/list":
		resp.Result = map[string]any{"tools": toolList()}
	case "tools/call":
		var params struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			resp.Error = &rpcError{Code: codeInvalidParams, Message: "invalid params"}
			return resp
		}
		result, err := s.callTool(r, params.Name, params.Arguments)
		if err != nil {
			resp.Result = toolError(err)
			return resp
		}
		resp.Result = toolResult(result)
	default:
		resp.Error = &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}
	return resp
}

// callTool routes one tool invocation. Protocol-level failures (bad uri,
// validation, auth) come back as tool errors, not transport errors, so the
// agent can read the error code and react.
func (s *Server) callTool(r *http.Request, name string, args json.RawMessage) (result any, err error) {
	ctx := r.Context()
	sc := tenant.FromContext(ctx)
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = string(kairoserr.CodeOf(err))
			if outcome == "" {
				outcome = "error"
			}
		}
		metrics.ToolCalls.WithLabelValues(name, outcome).Inc()
		logging.Get(logging.CategoryServer).Debug("tool %s finished in %s (%s)", name, time.Since(start), outcome)
	}()

	switch name {
	case "kairos_mint":
		var a struct {
			Markdown    string `json:"markdown_doc"`
			Domain      string `json:"domain,omitempty"`
			LLMModelID  string `json:"llm_model_id,omitempty"`
			ForceUpdate bool   `json:"force_update,omitempty"`
		}
		if err := unmarshalArgs(args, &a); err != nil {
			return nil, err
		}
		steps, err := s.chains.StoreChain(ctx, sc, a.Markdown, chainstore.Options{
			Domain:      a.Domain,
			LLMModelID:  a.LLMModelID,
			ForceUpdate: a.ForceUpdate,
		})
		if err != nil {
			// Duplicate errors still carry the existing steps so the agent
			// can begin the chain that already exists.
			if kairoserr.Is(err, kairoserr.CodeDuplicateChain) && len(steps) > 0 {
				return map[string]any{
					"error_code":     string(kairoserr.CodeDuplicateChain),
					"message":        err.Error(),
					"existing_steps": steps,
				}, nil
			}
			return nil, err
		}
		metrics.ChainsMinted.Inc()
		return map[string]any{"steps": steps}, nil

	case "kairos_begin":
		var a struct {
			Query string `json:"query,omitempty"`
			URI   string `json:"uri,omitempty"`
			Limit int    `json:"limit,omitempty"`
		}
		if err := unmarshalArgs(args, &a); err != nil {
			return nil, err
		}
		if a.Query == "" && a.URI == "" {
			return nil, kairoserr.New(kairoserr.CodeInvalidInput, "kairos_begin needs a query or a uri")
		}
		res, err := s.nav.Begin(ctx, sc, a.Query, a.URI, a.Limit)
		if err != nil {
			return nil, err
		}
		if res.Step != nil {
			return res.Step, nil
		}
		return res.Choices, nil

	case "kairos_next":
		var a struct {
			URI      string          `json:"uri"`
			Solution *types.Solution `json:"solution"`
		}
		if err := unmarshalArgs(args, &a); err != nil {
			return nil, err
		}
		resp, err := s.nav.Next(ctx, sc, a.URI, a.Solution)
		if err != nil {
			return nil, err
		}
		outcome := "ok"
		if resp.ErrorCode != "" {
			outcome = resp.ErrorCode
		}
		metrics.ProofSubmissions.WithLabelValues(outcome).Inc()
		return resp, nil

	case "kairos_attest":
		var a struct {
			URI          string          `json:"uri"`
			Outcome      string          `json:"outcome"`
			Message      string          `json:"message,omitempty"`
			QualityBonus float64         `json:"quality_bonus,omitempty"`
			LLMModelID   string          `json:"llm_model_id,omitempty"`
			Solution     *types.Solution `json:"solution,omitempty"`
		}
		if err := unmarshalArgs(args, &a); err != nil {
			return nil, err
		}
		res, err := s.nav.Attest(ctx, sc, a.URI, a.Outcome, a.Message, nav.AttestOptions{
			QualityBonus:  a.QualityBonus,
			LLMModelID:    a.LLMModelID,
			FinalSolution: a.Solution,
		})
		if err != nil {
			return nil, err
		}
		metrics.Attestations.WithLabelValues(res.Outcome).Inc()
		return res, nil

	case "kairos_search":
		var a struct {
			Query  string `json:"query"`
			Limit  int    `json:"limit,omitempty"`
			Domain string `json:"domain,omitempty"`
		}
		if err := unmarshalArgs(args, &a); err != nil {
			return nil, err
		}
		timer := time.Now()
		resp, err := s.search.SmartSearch(ctx, sc, a.Query, search.Params{
			Limit:          a.Limit,
			Domain:         a.Domain,
			CrossDomain:    s.searcher.crossDomain,
			CollapseChains: true,
		})
		if err != nil {
			return nil, err
		}
		metrics.SearchDuration.Observe(time.Since(timer).Seconds())
		return resp, nil

	case "kairos_update":
		var a struct {
			URIs     []string `json:"uris"`
			Markdown []string `json:"markdown_doc"`
		}
		if err := unmarshalArgs(args, &a); err != nil {
			return nil, err
		}
		return s.chains.UpdateMany(ctx, sc, a.URIs, a.Markdown)

	case "kairos_delete":
		var a struct {
			URIs []string `json:"uris"`
		}
		if err := unmarshalArgs(args, &a); err != nil {
			return nil, err
		}
		return s.chains.DeleteMany(ctx, sc, a.URIs)

	case "kairos_dump":
		var a struct {
			URI        string `json:"uri"`
			WholeChain bool   `json:"whole_chain,omitempty"`
		}
		if err := unmarshalArgs(args, &a); err != nil {
			return nil, err
		}
		return s.nav.Dump(ctx, sc, a.URI, a.WholeChain)

	default:
		return nil, kairoserr.New(kairoserr.CodeInvalidInput, "unknown tool %q", name)
	}
}

func unmarshalArgs(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return kairoserr.New(kairoserr.CodeInvalidInput, "missing tool arguments")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return kairoserr.Wrap(kairoserr.CodeInvalidInput, err, "bad tool arguments")
	}
	return nil
}

// toolResult wraps a value as MCP text content.
func toolResult(v any) map[string]any {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		data = []byte(fmt.Sprintf("%v", v))
	}
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": string(data)}},
	}
}

// toolError wraps a failure as an MCP tool error with the taxonomy code.
func toolError(err error) map[string]any {
	payload := map[string]any{"message": err.Error()}
	if code := kairoserr.CodeOf(err); code != "" {
		payload["error_code"] = string(code)
	}
	data, _ := json.Marshal(payload)
	return map[string]any{
		"isError": true,
		"content": []map[string]any{{"type": "text", "text": string(data)}},
	}
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.Get(logging.CategoryServer).Warn("failed to write rpc response: %v", err)
	}
}
