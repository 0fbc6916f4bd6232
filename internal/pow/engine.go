// Package pow enforces strict sequential protocol execution. Every step
// carries a challenge; a step counts as done only after a valid submission,
// and each submission must echo the proof hash of the previous step, forming
// a per-chain hash chain the agent cannot skip.
package pow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/kairosdev/kairos/internal/kairoserr"
	"github.com/kairosdev/kairos/internal/kv"
	"github.com/kairosdev/kairos/internal/logging"
	"github.com/kairosdev/kairos/internal/types"
)

// GenesisHash is the expected prior hash for step 1 of every chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// NonceTTL bounds challenge state so stale nonces cannot linger for days.
const NonceTTL = 2 * time.Hour

// MaxRetries is the per-step failure budget before the protocol blocks.
const MaxRetries = 2

// Status values of a proof record.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusPending = "pending"
)

// Record is the persisted proof state of one step.
type Record struct {
	MemoryUUID  string    `json:"memory_uuid"`
	ProofHash   string    `json:"proof_hash,omitempty"`
	Status      string    `json:"status"`
	NonceUsed   string    `json:"nonce_used,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	RetryCount  int       `json:"retry_count"`
}

// Outcome is the result of validating a submission.
type Outcome struct {
	OK         bool
	ProofHash  string
	ErrorCode  kairoserr.Code
	Message    string
	RetryCount int
	MustObey   bool
	Blocked    bool
}

// Engine issues challenges and validates submissions. All state lives behind
// the key-value interface, namespaced per space; the nonce doubles as the
// optimistic lock token, so no mutex is needed across handlers.
type Engine struct {
	store  kv.Store
	prefix string
}

// New creates a proof-of-work engine over the shared key-value store.
func New(store kv.Store, prefix string) *Engine {
	return &Engine{store: store, prefix: prefix}
}

func (e *Engine) ns(space string) *kv.Namespace {
	return kv.NewNamespace(e.store, e.prefix, space)
}

func nonceKey(uuid string) string  { return "pow:nonce:" + uuid }
func retryKey(uuid string) string  { return "pow:retry:" + uuid }
func hashKey(uuid string) string   { return "pow:hash:" + uuid }
func resultKey(uuid string) string { return "pow:result:" + uuid }
func blockedKey(id string) string  { return "pow:blocked:" + id }

// BuildChallenge mints a fresh nonce for (space, memory) and returns the
// challenge the agent must solve. Issuing a new nonce invalidates any
// outstanding one for the step.
func (e *Engine) BuildChallenge(ctx context.Context, space string, m *types.Memory, expectedPriorHash string) (*types.Challenge, error) {
	proof := m.Proof()
	nonce := uuid.NewString()

	ns := e.ns(space)
	if err := ns.Set(ctx, nonceKey(m.UUID), nonce, NonceTTL); err != nil {
		return nil, err
	}

	ch := &types.Challenge{
		Type:        proof.Type,
		Description: describe(proof),
		Nonce:       nonce,
		ProofHash:   expectedPriorHash,
		Shell:       proof.Shell,
		MCP:         proof.MCP,
		UserInput:   proof.UserInput,
		Comment:     proof.Comment,
	}
	if ch.Type == types.ChallengeComment && ch.Comment == nil {
		ch.Comment = &types.CommentChallenge{MinLength: types.DefaultCommentMinLength}
	}
	return ch, nil
}

// ExpectedPriorHash resolves the hash a submission on m must echo: the
// genesis hash for step 1 (and singletons), or the stored success hash of the
// previous step. A missing or non-success previous proof blocks with
// PREVIOUS_PROOF_MISSING, naming the offending step.
func (e *Engine) ExpectedPriorHash(ctx context.Context, space string, m *types.Memory, prevUUID string) (string, error) {
	if m.Chain == nil || m.Chain.StepIndex <= 1 {
		return GenesisHash, nil
	}
	if prevUUID == "" {
		return "", kairoserr.New(kairoserr.CodePreviousProofMissing,
			"step %d of chain %s is unresolved", m.Chain.StepIndex-1, m.Chain.ID)
	}
	hash, ok, err := e.ns(space).Get(ctx, hashKey(prevUUID))
	if err != nil {
		return "", err
	}
	if !ok || hash == "" {
		return "", kairoserr.New(kairoserr.CodePreviousProofMissing,
			"step %d (%s) has no successful proof; solve it first", m.Chain.StepIndex-1, types.MemoryURI(prevUUID))
	}
	return hash, nil
}

// SuccessHash returns the stored success hash for a step, if any.
func (e *Engine) SuccessHash(ctx context.Context, space, memUUID string) (string, bool, error) {
	return e.ns(space).Get(ctx, hashKey(memUUID))
}

// Blocked reports whether the chain has exhausted its retry budget.
func (e *Engine) Blocked(ctx context.Context, space, chainID string) (bool, error) {
	_, ok, err := e.ns(space).Get(ctx, blockedKey(chainID))
	return ok, err
}

// ClearStep removes all proof state for a step. Used when a chain is deleted
// or force-updated: a re-minted chain starts from genesis again.
func (e *Engine) ClearStep(ctx context.Context, space, memUUID string) error {
	return e.ns(space).Del(ctx,
		nonceKey(memUUID), retryKey(memUUID), hashKey(memUUID), resultKey(memUUID))
}

// ClearChain removes the blocked flag for a chain.
func (e *Engine) ClearChain(ctx context.Context, space, chainID string) error {
	return e.ns(space).Del(ctx, blockedKey(chainID))
}

// Validate checks a submission against the outstanding challenge state for
// (space, memory). Validation order: variant shape, nonce, prior hash, then
// the type-specific rules. On success the new proof hash is stored and the
// nonce cleared; on failure the two-phase retry escalation applies.
func (e *Engine) Validate(ctx context.Context, space string, m *types.Memory, sol *types.Solution, expectedPriorHash string) (*Outcome, error) {
	log := logging.Get(logging.CategoryPoW)
	proof := m.Proof()

	if sol == nil {
		return e.fail(ctx, space, m, "", kairoserr.CodeMissingSolution, "no solution submitted")
	}

	if code, msg := checkShape(proof, sol); code != "" {
		return e.fail(ctx, space, m, sol.Nonce, code, msg)
	}

	ns := e.ns(space)
	outstanding, ok, err := ns.Get(ctx, nonceKey(m.UUID))
	if err != nil {
		return nil, err
	}
	if !ok || sol.Nonce != outstanding {
		return e.fail(ctx, space, m, sol.Nonce, kairoserr.CodeNonceMismatch,
			"submitted nonce is not the outstanding nonce for this step")
	}

	if sol.ProofHash != expectedPriorHash {
		return e.fail(ctx, space, m, sol.Nonce, kairoserr.CodeProofHashMismatch,
			"submitted proof_hash does not match the prior step's proof")
	}

	if code, msg := checkSolution(proof, sol); code != "" {
		return e.fail(ctx, space, m, sol.Nonce, code, msg)
	}

	newHash := proofHash(m.UUID, sol.Nonce, expectedPriorHash, sol)
	rec := Record{
		MemoryUUID:  m.UUID,
		ProofHash:   newHash,
		Status:      StatusSuccess,
		NonceUsed:   sol.Nonce,
		SubmittedAt: time.Now().UTC(),
	}
	if err := e.writeRecord(ctx, ns, rec); err != nil {
		return nil, err
	}
	if err := ns.Set(ctx, hashKey(m.UUID), newHash, 0); err != nil {
		return nil, err
	}
	// Successful submission resets challenge state.
	_ = ns.Del(ctx, nonceKey(m.UUID), retryKey(m.UUID))

	log.Info("step %s solved (space=%s)", m.UUID, space)
	return &Outcome{OK: true, ProofHash: newHash, MustObey: true}, nil
}

// fail applies the two-phase retry escalation: first failure keeps must_obey
// and issues a fresh nonce; the second consecutive failure blocks the chain
// until a human intervenes.
func (e *Engine) fail(ctx context.Context, space string, m *types.Memory, nonceUsed string, code kairoserr.Code, msg string) (*Outcome, error) {
	ns := e.ns(space)
	retries, err := ns.Incr(ctx, retryKey(m.UUID))
	if err != nil {
		return nil, err
	}

	rec := Record{
		MemoryUUID:  m.UUID,
		Status:      StatusFailure,
		NonceUsed:   nonceUsed,
		SubmittedAt: time.Now().UTC(),
		RetryCount:  int(retries),
	}
	if err := e.writeRecord(ctx, ns, rec); err != nil {
		return nil, err
	}

	if retries >= MaxRetries {
		if m.Chain != nil {
			_ = ns.Set(ctx, blockedKey(m.Chain.ID), "1", 0)
		}
		_ = ns.Del(ctx, nonceKey(m.UUID))
		logging.Get(logging.CategoryPoW).Warn("step %s blocked after %d failures (space=%s, last=%s)",
			m.UUID, retries, space, code)
		return &Outcome{
			OK:         false,
			ErrorCode:  kairoserr.CodeMaxRetriesExceeded,
			Message:    fmt.Sprintf("%s: %s; retry budget exhausted, protocol blocked", code, msg),
			RetryCount: int(retries),
			MustObey:   false,
			Blocked:    true,
		}, nil
	}

	return &Outcome{
		OK:         false,
		ErrorCode:  code,
		Message:    msg,
		RetryCount: int(retries),
		MustObey:   true,
	}, nil
}

func (e *Engine) writeRecord(ctx context.Context, ns *kv.Namespace, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return ns.Set(ctx, resultKey(rec.MemoryUUID), string(data), 0)
}

// GetRecord loads the persisted proof record for a step.
func (e *Engine) GetRecord(ctx context.Context, space, memUUID string) (*Record, error) {
	raw, ok, err := e.ns(space).Get(ctx, resultKey(memUUID))
	if err != nil || !ok {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, nil
	}
	return &rec, nil
}

// RetryCount returns the consecutive failure count for a step.
func (e *Engine) RetryCount(ctx context.Context, space, memUUID string) int {
	raw, ok, err := e.ns(space).Get(ctx, retryKey(memUUID))
	if err != nil || !ok {
		return 0
	}
	n, _ := strconv.Atoi(raw)
	return n
}

// checkShape validates the submission envelope: type match and exactly one
// populated variant.
func checkShape(proof *types.ProofOfWork, sol *types.Solution) (kairoserr.Code, string) {
	if sol.Type != proof.Type {
		return kairoserr.CodeTypeMismatch,
			fmt.Sprintf("challenge type is %s, submission is %s", proof.Type, sol.Type)
	}
	variants := 0
	if sol.Shell != nil {
		variants++
	}
	if sol.MCP != nil {
		variants++
	}
	if sol.UserInput != nil {
		variants++
	}
	if sol.Comment != nil {
		variants++
	}
	if variants != 1 {
		return kairoserr.CodeMissingSolution,
			fmt.Sprintf("exactly one solution variant required, got %d", variants)
	}
	var match bool
	switch sol.Type {
	case types.ChallengeShell:
		match = sol.Shell != nil
	case types.ChallengeMCP:
		match = sol.MCP != nil
	case types.ChallengeUserInput:
		match = sol.UserInput != nil
	case types.ChallengeComment:
		match = sol.Comment != nil
	}
	if !match {
		return kairoserr.CodeTypeMismatch, "populated variant does not match submission type"
	}
	return "", ""
}

// checkSolution applies the type-specific validity rules.
func checkSolution(proof *types.ProofOfWork, sol *types.Solution) (kairoserr.Code, string) {
	switch sol.Type {
	case types.ChallengeShell:
		if sol.Shell.ExitCode != 0 {
			return kairoserr.CodeShellNonzero,
				fmt.Sprintf("command exited with code %d", sol.Shell.ExitCode)
		}
		if proof.Shell != nil {
			if proof.Shell.RequireOutput && sol.Shell.Stdout == "" {
				return kairoserr.CodeShellNonzero, "command produced no output"
			}
			if t := proof.Shell.TimeoutSeconds; t > 0 && sol.Shell.DurationMS > float64(t)*1000 {
				return kairoserr.CodeShellNonzero,
					fmt.Sprintf("command took %.0fms, timeout is %ds", sol.Shell.DurationMS, t)
			}
		}
	case types.ChallengeMCP:
		if !sol.MCP.Success {
			return kairoserr.CodeMCPFailed, "mcp tool reported failure"
		}
		if proof.MCP != nil && proof.MCP.ToolName != "" && sol.MCP.ToolName != proof.MCP.ToolName {
			return kairoserr.CodeMCPFailed,
				fmt.Sprintf("expected tool %s, got %s", proof.MCP.ToolName, sol.MCP.ToolName)
		}
	case types.ChallengeUserInput:
		if sol.UserInput.Confirmation == "" {
			return kairoserr.CodeMissingSolution, "user confirmation is empty"
		}
	case types.ChallengeComment:
		minLen := types.DefaultCommentMinLength
		if proof.Comment != nil && proof.Comment.MinLength > 0 {
			minLen = proof.Comment.MinLength
		}
		if len(sol.Comment.Text) < minLen {
			return kairoserr.CodeCommentTooShort,
				fmt.Sprintf("comment has %d characters, minimum is %d", len(sol.Comment.Text), minLen)
		}
	}
	return "", ""
}

// proofHash computes H(memory_uuid || nonce || prior_hash || canonical(solution)).
func proofHash(memUUID, nonce, priorHash string, sol *types.Solution) string {
	canonical := canonicalSolution(sol)
	h := sha256.New()
	h.Write([]byte(memUUID))
	h.Write([]byte{0})
	h.Write([]byte(nonce))
	h.Write([]byte{0})
	h.Write([]byte(priorHash))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalSolution serializes only the populated variant, with fixed field
// order from the struct definition.
func canonicalSolution(sol *types.Solution) []byte {
	var v any
	switch {
	case sol.Shell != nil:
		v = sol.Shell
	case sol.MCP != nil:
		v = sol.MCP
	case sol.UserInput != nil:
		v = sol.UserInput
	case sol.Comment != nil:
		v = sol.Comment
	}
	data, _ := json.Marshal(v)
	return data
}

func describe(proof *types.ProofOfWork) string {
	switch proof.Type {
	case types.ChallengeShell:
		if proof.Shell != nil {
			return fmt.Sprintf("Run `%s` and submit the exit code and output.", proof.Shell.Cmd)
		}
		return "Run the required command and submit the result."
	case types.ChallengeMCP:
		if proof.MCP != nil {
			return fmt.Sprintf("Call the MCP tool %q and submit its result.", proof.MCP.ToolName)
		}
		return "Call the required MCP tool and submit its result."
	case types.ChallengeUserInput:
		if proof.UserInput != nil && proof.UserInput.Prompt != "" {
			return "Ask the user: " + proof.UserInput.Prompt
		}
		return "Obtain an explicit confirmation from the user."
	default:
		minLen := types.DefaultCommentMinLength
		if proof.Comment != nil && proof.Comment.MinLength > 0 {
			minLen = proof.Comment.MinLength
		}
		return fmt.Sprintf("Describe what you observed applying this step (at least %d characters).", minLen)
	}
}
