package types

import "testing"

func TestParseMemoryURI(t *testing.T) {
	uuid := "11111111-2222-4333-8444-555555555555"
	got, err := ParseMemoryURI(MemoryURI(uuid))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != uuid {
		t.Errorf("got %q, want %q", got, uuid)
	}
}

func TestParseMemoryURIRejectsGarbage(t *testing.T) {
	for _, uri := range []string{
		"",
		"kairos://mem/",
		"kairos://mem/not-a-uuid",
		"kairos://chain/11111111-2222-4333-8444-555555555555",
		"https://mem/11111111-2222-4333-8444-555555555555",
		"kairos://mem/11111111-2222-4333-8444-555555555555/extra",
	} {
		if _, err := ParseMemoryURI(uri); err == nil {
			t.Errorf("accepted %q", uri)
		}
	}
}

func TestReservedHelperURIsParse(t *testing.T) {
	for _, id := range []string{CreateProtocolUUID, RefineSearchUUID} {
		if _, err := ParseMemoryURI(MemoryURI(id)); err != nil {
			t.Errorf("reserved uuid %s does not round-trip: %v", id, err)
		}
	}
}
