package chain

import (
	"regexp"
	"sort"
	"strings"
)

// Code identifier extraction. Function, type, class, and method names pulled
// from a step body are appended to its embedding text so vector search can
// match code-level symbols, not just prose.

var identifierPatterns = []*regexp.Regexp{
	// Go / C-family functions and methods
	regexp.MustCompile(`\bfunc\s+(?:\([^)]*\)\s*)?([A-Za-z_][A-Za-z0-9_]*)`),
	regexp.MustCompile(`\btype\s+([A-Za-z_][A-Za-z0-9_]*)`),
	// Python / JS / TS
	regexp.MustCompile(`\bdef\s+([A-Za-z_][A-Za-z0-9_]*)`),
	regexp.MustCompile(`\bclass\s+([A-Za-z_][A-Za-z0-9_]*)`),
	regexp.MustCompile(`\bfunction\s+([A-Za-z_$][A-Za-z0-9_$]*)`),
	regexp.MustCompile(`\b(?:const|let|var)\s+([A-Za-z_$][A-Za-z0-9_$]*)\s*=`),
	// Rust / Java-ish
	regexp.MustCompile(`\bfn\s+([A-Za-z_][A-Za-z0-9_]*)`),
	regexp.MustCompile(`\b(?:interface|struct|enum|trait)\s+([A-Za-z_][A-Za-z0-9_]*)`),
	// Qualified calls like pkg.Func( or obj.method(
	regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*\.[A-Za-z_][A-Za-z0-9_]*)\s*\(`),
}

var identifierStopwords = map[string]bool{
	"if": true, "else": true, "for": true, "while": true, "return": true,
	"func": true, "def": true, "class": true, "function": true, "type": true,
	"var": true, "let": true, "const": true, "new": true, "this": true,
	"self": true, "true": true, "false": true, "nil": true, "null": true,
	"none": true, "import": true, "from": true, "package": true, "main": true,
	"print": true, "console.log": true, "fmt.println": true, "fmt.printf": true,
}

// ExtractIdentifiers pulls code identifiers from a raw step body.
func ExtractIdentifiers(body string) []string {
	seen := map[string]bool{}
	var out []string
	for _, re := range identifierPatterns {
		for _, m := range re.FindAllStringSubmatch(body, -1) {
			id := m[1]
			if len(id) < 3 || identifierStopwords[strings.ToLower(id)] {
				continue
			}
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	sort.Strings(out)
	return out
}

// EmbeddingText builds the text handed to the embedder for one step: the body
// plus an identifier trailer when any code symbols were found.
func EmbeddingText(label, body string) string {
	text := label + "\n\n" + body
	ids := ExtractIdentifiers(body)
	if len(ids) == 0 {
		return text
	}
	return text + "\n\n[CODE_IDENTIFIERS: " + strings.Join(ids, ", ") + "]"
}
