// Package types holds the shared domain model for the Kairos protocol server:
// memories, chains, proof-of-work challenges and solutions, and the response
// envelopes the navigation surfaces return to agents.
package types

import "time"

// ChallengeType enumerates the verification task kinds a step can demand.
type ChallengeType string

const (
	ChallengeShell     ChallengeType = "shell"
	ChallengeMCP       ChallengeType = "mcp"
	ChallengeUserInput ChallengeType = "user_input"
	ChallengeComment   ChallengeType = "comment"
)

// DefaultCommentMinLength applies when a comment challenge omits min_length,
// and when a step has no challenge definition at all.
const DefaultCommentMinLength = 10

// ChainRef identifies a step's position inside its protocol chain.
// Absent (nil) for singleton memories.
type ChainRef struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	StepIndex int    `json:"step_index"` // 1-based
	StepCount int    `json:"step_count"`
}

// IsHead reports whether this step is the chain entry point.
func (c *ChainRef) IsHead() bool { return c != nil && c.StepIndex == 1 }

// IsLast reports whether this step is the final step of its chain.
func (c *ChainRef) IsLast() bool { return c != nil && c.StepIndex == c.StepCount }

// ShellChallenge demands a command run with exit code 0 inside the timeout.
type ShellChallenge struct {
	Cmd            string `json:"cmd"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	RequireOutput  bool   `json:"require_output,omitempty"`
}

// MCPChallenge demands a successful call of a named MCP tool.
type MCPChallenge struct {
	ToolName       string `json:"tool_name"`
	ExpectedResult string `json:"expected_result,omitempty"`
}

// UserInputChallenge demands an explicit human confirmation.
type UserInputChallenge struct {
	Prompt string `json:"prompt,omitempty"`
}

// CommentChallenge demands a free-text observation of minimum length.
type CommentChallenge struct {
	MinLength int `json:"min_length,omitempty"`
}

// ProofOfWork is the per-step challenge definition as authored in the
// protocol document. Exactly one variant field is set, matching Type.
type ProofOfWork struct {
	Type      ChallengeType       `json:"type"`
	Required  bool                `json:"required"`
	Shell     *ShellChallenge     `json:"shell,omitempty"`
	MCP       *MCPChallenge       `json:"mcp,omitempty"`
	UserInput *UserInputChallenge `json:"user_input,omitempty"`
	Comment   *CommentChallenge   `json:"comment,omitempty"`
}

// DefaultProofOfWork is used for steps whose document carries no challenge
// definition: a comment of at least DefaultCommentMinLength characters.
func DefaultProofOfWork() *ProofOfWork {
	return &ProofOfWork{
		Type:     ChallengeComment,
		Required: true,
		Comment:  &CommentChallenge{MinLength: DefaultCommentMinLength},
	}
}

// Memory is one stored protocol step.
type Memory struct {
	UUID        string       `json:"memory_uuid"`
	Chain       *ChainRef    `json:"chain,omitempty"`
	Label       string       `json:"label"`
	Text        string       `json:"text"`
	Tags        []string     `json:"tags,omitempty"`
	Domain      string       `json:"domain,omitempty"`
	Task        string       `json:"task,omitempty"` // mint idempotency key, set on chain heads
	ProofOfWork *ProofOfWork `json:"proof_of_work,omitempty"`
	LLMModelID  string       `json:"llm_model_id,omitempty"`
	SpaceID     string       `json:"space_id"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Proof returns the step's challenge definition, falling back to the default
// comment challenge when the document defined none.
func (m *Memory) Proof() *ProofOfWork {
	if m.ProofOfWork != nil {
		return m.ProofOfWork
	}
	return DefaultProofOfWork()
}
