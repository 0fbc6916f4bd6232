package chain

import (
	"strings"
	"testing"
)

func TestExtractIdentifiers(t *testing.T) {
	body := "Add a helper:\n\n```go\nfunc ParseConfig(path string) error {\n\treturn cfg.Load(path)\n}\ntype Loader struct{}\n```\n"
	ids := ExtractIdentifiers(body)

	want := map[string]bool{"ParseConfig": false, "Loader": false, "cfg.Load": false}
	for _, id := range ids {
		if _, ok := want[id]; ok {
			want[id] = true
		}
	}
	for id, found := range want {
		if !found {
			t.Errorf("identifier %q not extracted, got %v", id, ids)
		}
	}
}

func TestExtractIdentifiersFiltersNoise(t *testing.T) {
	ids := ExtractIdentifiers("func if() {}\nvar x = 1\nfmt.Println(y)\n")
	for _, id := range ids {
		if id == "if" || id == "x" {
			t.Errorf("noise identifier %q should be filtered", id)
		}
	}
}

func TestEmbeddingTextTrailer(t *testing.T) {
	withCode := EmbeddingText("Fix handler", "Call server.Handle( here.")
	if !strings.Contains(withCode, "[CODE_IDENTIFIERS: ") || !strings.Contains(withCode, "server.Handle") {
		t.Errorf("missing trailer: %q", withCode)
	}

	plain := EmbeddingText("Write summary", "Summarize the findings in prose.")
	if strings.Contains(plain, "CODE_IDENTIFIERS") {
		t.Errorf("prose body should have no trailer: %q", plain)
	}
	if !strings.HasPrefix(plain, "Write summary\n\n") {
		t.Errorf("label missing: %q", plain)
	}
}
