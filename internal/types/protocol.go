package types

// Challenge is what the server hands the agent for one step: the task kind,
// a fresh nonce, and the proof hash the next submission must echo.
type Challenge struct {
	Type        ChallengeType       `json:"type"`
	Description string              `json:"description"`
	Nonce       string              `json:"nonce"`
	ProofHash   string              `json:"proof_hash"`
	Shell       *ShellChallenge     `json:"shell,omitempty"`
	MCP         *MCPChallenge       `json:"mcp,omitempty"`
	UserInput   *UserInputChallenge `json:"user_input,omitempty"`
	Comment     *CommentChallenge   `json:"comment,omitempty"`
}

// ShellSolution reports a command execution.
type ShellSolution struct {
	Cmd        string  `json:"cmd"`
	ExitCode   int     `json:"exit_code"`
	Stdout     string  `json:"stdout,omitempty"`
	Stderr     string  `json:"stderr,omitempty"`
	DurationMS float64 `json:"duration_ms,omitempty"`
}

// MCPSolution reports an MCP tool invocation.
type MCPSolution struct {
	ToolName string `json:"tool_name"`
	Success  bool   `json:"success"`
	Result   string `json:"result,omitempty"`
}

// UserInputSolution carries the human confirmation text.
type UserInputSolution struct {
	Confirmation string `json:"confirmation"`
}

// CommentSolution carries the agent's free-text observation.
type CommentSolution struct {
	Text string `json:"text"`
}

// Solution is the agent's answer to a Challenge. Exactly one variant field
// must be populated, matching Type.
type Solution struct {
	Type      ChallengeType      `json:"type"`
	Nonce     string             `json:"nonce"`
	ProofHash string             `json:"proof_hash"`
	Shell     *ShellSolution     `json:"shell,omitempty"`
	MCP       *MCPSolution       `json:"mcp,omitempty"`
	UserInput *UserInputSolution `json:"user_input,omitempty"`
	Comment   *CommentSolution   `json:"comment,omitempty"`
}

// ChoiceRole tags an entry in the unified choice list.
type ChoiceRole string

const (
	RoleMatch  ChoiceRole = "match"
	RoleRefine ChoiceRole = "refine"
	RoleCreate ChoiceRole = "create"
)

// Choice is one entry of the unified choice list returned by begin/search.
type Choice struct {
	URI        string     `json:"uri"`
	Label      string     `json:"label"`
	ChainLabel string     `json:"chain_label,omitempty"`
	Score      *float64   `json:"score"`
	Role       ChoiceRole `json:"role"`
	Tags       []string   `json:"tags,omitempty"`
	NextAction string     `json:"next_action,omitempty"`
}

// ChoiceResponse is the unified choice list envelope (begin and search).
type ChoiceResponse struct {
	MustObey   bool     `json:"must_obey"`
	Message    string   `json:"message"`
	NextAction string   `json:"next_action"`
	Choices    []Choice `json:"choices"`
}

// StepContent is the rendered markdown of one step.
type StepContent struct {
	URI      string `json:"uri"`
	Content  string `json:"content"`
	MimeType string `json:"mimeType"`
}

// StepResponse is returned by next (and by begin when it resolves a URI).
type StepResponse struct {
	MustObey    bool         `json:"must_obey"`
	CurrentStep *StepContent `json:"current_step,omitempty"`
	Challenge   *Challenge   `json:"challenge,omitempty"`
	NextAction  string       `json:"next_action"`
	ProofHash   string       `json:"proof_hash,omitempty"`
	Message     string       `json:"message,omitempty"`
	ErrorCode   string       `json:"error_code,omitempty"`
	RetryCount  int          `json:"retry_count,omitempty"`
}
