package types

import (
	"fmt"
	"regexp"
)

// URI scheme for addressing stored memories: kairos://mem/{uuid}.
const URIPrefix = "kairos://mem/"

// Reserved app-space helper memories. These always exist in the shared app
// space and back the synthetic "create" and "refine" search choices.
const (
	CreateProtocolUUID = "00000000-0000-0000-0000-000000002001"
	RefineSearchUUID   = "00000000-0000-0000-0000-000000002002"
)

var memURIRe = regexp.MustCompile(`^kairos://mem/([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})$`)

// MemoryURI renders the canonical URI for a memory uuid.
func MemoryURI(uuid string) string {
	return URIPrefix + uuid
}

// ParseMemoryURI extracts the uuid from a kairos://mem/ URI.
func ParseMemoryURI(uri string) (string, error) {
	m := memURIRe.FindStringSubmatch(uri)
	if m == nil {
		return "", fmt.Errorf("not a kairos memory URI: %q", uri)
	}
	return m[1], nil
}
