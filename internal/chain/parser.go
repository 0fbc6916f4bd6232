// Package chain parses protocol documents into ordered step sequences and
// derives the deterministic identity used for idempotent rewrites.
package chain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kairosdev/kairos/internal/types"
)

// Step is one parsed protocol step, pre-storage.
type Step struct {
	Label string
	Body  string
	Proof *types.ProofOfWork
}

// Doc is the parsed form of a protocol document.
type Doc struct {
	Label string
	Tags  []string
	Steps []Step
}

var (
	h1Re     = regexp.MustCompile(`^#\s+(.+?)\s*$`)
	h2Re     = regexp.MustCompile(`^##\s+(.+?)\s*$`)
	fenceRe  = regexp.MustCompile("^\\s*```")
	tagsRe   = regexp.MustCompile(`^Tags:\s*(.+)$`)
	legacyRe = regexp.MustCompile(`^PROOF OF WORK:\s*(?:\[timeout\s+(\d+)(ms|s|m|h)\]\s*)?(.+?)\s*$`)
)

// Parse splits a Markdown document into a chain of steps.
//
// The H1 becomes the chain label; text between the H1 and the first H2 is the
// preamble and becomes step 1 with the H1-derived label. Each H2 starts a new
// step. Heading markers inside fenced code blocks are body text, not
// structure. A document with no H2 yields a single-step chain.
func Parse(doc string) (*Doc, error) {
	lines := strings.Split(strings.ReplaceAll(doc, "\r\n", "\n"), "\n")

	out := &Doc{}
	inFence := false
	var current *Step
	var bodyLines []string

	flush := func() error {
		if current == nil {
			return nil
		}
		step, err := finishStep(*current, bodyLines)
		if err != nil {
			return err
		}
		out.Steps = append(out.Steps, step)
		bodyLines = nil
		return nil
	}

	for _, line := range lines {
		if fenceRe.MatchString(line) {
			inFence = !inFence
			if current != nil {
				bodyLines = append(bodyLines, line)
			}
			continue
		}
		if inFence {
			if current != nil {
				bodyLines = append(bodyLines, line)
			}
			continue
		}

		if m := h1Re.FindStringSubmatch(line); m != nil && out.Label == "" {
			out.Label = m[1]
			current = &Step{Label: m[1]}
			continue
		}
		if m := h2Re.FindStringSubmatch(line); m != nil && out.Label != "" {
			if err := flush(); err != nil {
				return nil, err
			}
			current = &Step{Label: m[1]}
			continue
		}
		if m := tagsRe.FindStringSubmatch(line); m != nil && len(out.Steps) == 0 && current != nil && current.Label == out.Label {
			for _, t := range strings.Split(m[1], ",") {
				if tag := strings.TrimSpace(t); tag != "" {
					out.Tags = append(out.Tags, tag)
				}
			}
			continue
		}
		if current != nil {
			bodyLines = append(bodyLines, line)
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	if out.Label == "" {
		return nil, fmt.Errorf("document has no H1 heading")
	}

	// Drop an empty preamble step when real H2 steps follow it.
	if len(out.Steps) > 1 && out.Steps[0].Body == "" && out.Steps[0].Proof == nil {
		out.Steps = out.Steps[1:]
	}
	if len(out.Steps) == 0 {
		return nil, fmt.Errorf("document %q has no step content", out.Label)
	}
	// An empty body is only allowed when the step still carries a challenge.
	for _, s := range out.Steps {
		if s.Body == "" && s.Proof == nil {
			return nil, fmt.Errorf("step %q has no body and no challenge", s.Label)
		}
	}
	return out, nil
}

// finishStep extracts the challenge definition and normalizes the body.
func finishStep(step Step, bodyLines []string) (Step, error) {
	body := strings.Join(bodyLines, "\n")

	body, proof, err := extractChallengeBlock(body)
	if err != nil {
		return step, fmt.Errorf("step %q: %w", step.Label, err)
	}
	if proof == nil {
		body, proof = extractLegacyProofLine(body)
	}
	step.Proof = proof
	step.Body = normalizeBody(body)
	return step, nil
}

// extractChallengeBlock finds a fenced JSON block whose top-level key is
// "challenge", strips it from the body, and returns the parsed definition.
func extractChallengeBlock(body string) (string, *types.ProofOfWork, error) {
	lines := strings.Split(body, "\n")
	for i := 0; i < len(lines); i++ {
		if !fenceRe.MatchString(lines[i]) {
			continue
		}
		for j := i + 1; j < len(lines); j++ {
			if !fenceRe.MatchString(lines[j]) {
				continue
			}
			block := strings.Join(lines[i+1:j], "\n")
			var wrapper struct {
				Challenge *types.ProofOfWork `json:"challenge"`
			}
			if err := json.Unmarshal([]byte(block), &wrapper); err != nil || wrapper.Challenge == nil {
				// Not a challenge block; skip past this fence pair.
				i = j
				break
			}
			if err := validateProofDef(wrapper.Challenge); err != nil {
				return body, nil, err
			}
			rest := append(append([]string{}, lines[:i]...), lines[j+1:]...)
			return strings.Join(rest, "\n"), wrapper.Challenge, nil
		}
	}
	return body, nil, nil
}

// extractLegacyProofLine maps the single-line form
// "PROOF OF WORK: [timeout N] <cmd>" onto a shell challenge.
func extractLegacyProofLine(body string) (string, *types.ProofOfWork) {
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		m := legacyRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		timeoutSecs := 0
		if m[1] != "" {
			n, _ := strconv.Atoi(m[1])
			switch m[2] {
			case "ms":
				timeoutSecs = (n + 999) / 1000
			case "s":
				timeoutSecs = n
			case "m":
				timeoutSecs = n * 60
			case "h":
				timeoutSecs = n * 3600
			}
		}
		proof := &types.ProofOfWork{
			Type:     types.ChallengeShell,
			Required: true,
			Shell:    &types.ShellChallenge{Cmd: m[3], TimeoutSeconds: timeoutSecs},
		}
		rest := append(append([]string{}, lines[:i]...), lines[i+1:]...)
		return strings.Join(rest, "\n"), proof
	}
	return body, nil
}

func validateProofDef(p *types.ProofOfWork) error {
	variants := 0
	if p.Shell != nil {
		variants++
	}
	if p.MCP != nil {
		variants++
	}
	if p.UserInput != nil {
		variants++
	}
	if p.Comment != nil {
		variants++
	}
	switch p.Type {
	case types.ChallengeShell:
		if p.Shell == nil {
			return fmt.Errorf("shell challenge missing shell block")
		}
	case types.ChallengeMCP:
		if p.MCP == nil {
			return fmt.Errorf("mcp challenge missing mcp block")
		}
	case types.ChallengeUserInput, types.ChallengeComment:
		// optional config blocks
	default:
		return fmt.Errorf("unknown challenge type %q", p.Type)
	}
	if variants > 1 {
		return fmt.Errorf("challenge defines %d variants, want at most 1", variants)
	}
	return nil
}

// normalizeBody trims the body and strips trailing whitespace per line.
func normalizeBody(body string) string {
	lines := strings.Split(body, "\n")
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
