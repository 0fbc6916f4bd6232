package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// chainNamespace seeds deterministic ids. Never change this value: identical
// rewrites must keep resolving to the same mint key and step ids.
var chainNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// MintKey derives the deterministic idempotency key from the normalized chain
// label and the author identity. A rewrite by the same author resolves to the
// existing chain through this key; after a delete the key matches nothing and
// the next mint creates a fresh chain id.
func MintKey(label, author string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(label)), " ")
	return uuid.NewSHA1(chainNamespace, []byte(author+"\x00"+normalized)).String()
}

// NewID mints a fresh chain id.
func NewID() string {
	return uuid.NewString()
}

// StepID derives the deterministic uuid for one step of a chain. Stable for
// the life of the chain id, so idempotent rewrites keep their step uuids.
func StepID(chainID string, stepIndex int) string {
	return uuid.NewSHA1(chainNamespace, []byte(chainID+"\x00step\x00"+strconv.Itoa(stepIndex))).String()
}

// BodyHash fingerprints a step body for rewrite comparison. Quality metadata
// written later by attest never participates in this hash.
func BodyHash(body string) string {
	sum := sha256.Sum256([]byte(normalizeBody(body)))
	return hex.EncodeToString(sum[:])
}
