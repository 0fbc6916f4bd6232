// Package render serializes stored memories into the marker-delimited
// Markdown agents consume, and extracts body bytes back out of caller input
// on update. The markers are the only stable mutation surface: header and
// footer are always regenerated from chain state.
package render

import (
	"fmt"
	"strings"

	"github.com/kairosdev/kairos/internal/kairoserr"
	"github.com/kairosdev/kairos/internal/types"
)

const (
	MarkerHeader    = "<!-- KAIROS:HEADER -->"
	MarkerBodyStart = "<!-- KAIROS:BODY-START -->"
	MarkerBodyEnd   = "<!-- KAIROS:BODY-END -->"
	MarkerFooter    = "<!-- KAIROS:FOOTER -->"
)

const (
	directiveMidChain = "STOP AND EXECUTE THIS STEP NOW — DO NOT READ AHEAD"
	directiveFinal    = "THIS IS THE FINAL STEP — EXECUTE AND STOP"
)

// Neighbors carries the resolved chain neighbors of the rendered step.
type Neighbors struct {
	FirstURI    string
	PreviousURI string
	NextURI     string
}

// Render emits the full Markdown for a memory.
func Render(m *types.Memory, n Neighbors) string {
	var b strings.Builder

	b.WriteString(MarkerHeader + "\n")
	if m.Chain != nil {
		b.WriteString("ProtocolMode: strict_sequential\n")
	}
	fmt.Fprintf(&b, "Label: %s\n", m.Label)
	if m.Chain != nil {
		fmt.Fprintf(&b, "ChainTitle: %s\n", m.Chain.Label)
		fmt.Fprintf(&b, "Position: %d/%d\n", m.Chain.StepIndex, m.Chain.StepCount)
		fmt.Fprintf(&b, "ProtocolId: %s\n", m.Chain.ID)
	}
	first := n.FirstURI
	if first == "" {
		first = types.MemoryURI(m.UUID)
	}
	fmt.Fprintf(&b, "FirstStep: %s\n", first)
	if n.PreviousURI != "" {
		fmt.Fprintf(&b, "Previous: %s\n", n.PreviousURI)
	}
	b.WriteString("Requirement: All prior steps of this protocol must already be applied before executing this step.\n")

	b.WriteString(MarkerBodyStart + "\n")
	b.WriteString(m.Text)
	if !strings.HasSuffix(m.Text, "\n") {
		b.WriteString("\n")
	}
	b.WriteString(MarkerBodyEnd + "\n")

	b.WriteString(MarkerFooter + "\n")
	if n.NextURI != "" {
		fmt.Fprintf(&b, "NextStep: %s\n", n.NextURI)
	} else {
		b.WriteString("NextStep: null\n")
	}
	last := m.Chain == nil || m.Chain.IsLast()
	if last {
		fmt.Fprintf(&b, "ExecuteDirective: %s\n", directiveFinal)
	} else {
		fmt.Fprintf(&b, "ExecuteDirective: %s\n", directiveMidChain)
	}
	b.WriteString("CompletionRule: Do not read or act on any future step until this step is verified complete.\n")
	if last {
		b.WriteString("RateThisChain: success\n")
	}

	return b.String()
}

// ExtractBody returns exactly the bytes between the BODY markers of input.
// Everything outside the markers is ignored; input without both markers is
// treated as a bare body in full.
func ExtractBody(input string) (string, error) {
	start := strings.Index(input, MarkerBodyStart)
	end := strings.Index(input, MarkerBodyEnd)
	if start < 0 && end < 0 {
		return strings.TrimSpace(input), nil
	}
	if start < 0 || end < 0 || end < start {
		return "", kairoserr.New(kairoserr.CodeInvalidInput, "unbalanced body markers")
	}
	body := input[start+len(MarkerBodyStart) : end]
	return strings.Trim(body, "\n"), nil
}
