// Package kairoserr defines the protocol error taxonomy. Validation and state
// errors are returned as structured values so the navigation surfaces can map
// them onto response envelopes instead of opaque 500s.
package kairoserr

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable error code.
type Code string

const (
	// Input errors.
	CodeInvalidInput    Code = "INVALID_INPUT"
	CodeInvalidURI      Code = "INVALID_URI"
	CodeTypeMismatch    Code = "TYPE_MISMATCH"
	CodeMissingSolution Code = "MISSING_SOLUTION"
	CodeCommentTooShort Code = "COMMENT_TOO_SHORT"

	// State errors.
	CodeNotFound             Code = "NOT_FOUND"
	CodeDuplicateChain       Code = "DUPLICATE_CHAIN"
	CodePreviousProofMissing Code = "PREVIOUS_PROOF_MISSING"
	CodeNonceMismatch        Code = "NONCE_MISMATCH"
	CodeProofHashMismatch    Code = "PROOF_HASH_MISMATCH"
	CodeConflict             Code = "CONFLICT"

	// Policy errors.
	CodeAuthRequired       Code = "AUTH_REQUIRED"
	CodeForbiddenScope     Code = "FORBIDDEN_SCOPE"
	CodeMaxRetriesExceeded Code = "MAX_RETRIES_EXCEEDED"

	// Challenge validation errors.
	CodeShellNonzero Code = "SHELL_NONZERO"
	CodeMCPFailed    Code = "MCP_FAILED"

	// Dependency errors.
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
	CodeEmbedUnavailable Code = "EMBED_UNAVAILABLE"
	CodeRequestTimeout   Code = "REQUEST_TIMEOUT"
)

// Error carries a taxonomy code alongside a human-readable message.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a coded error.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a taxonomy code to an underlying error.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the taxonomy code from err, or empty string if err carries
// none.
func CodeOf(err error) Code {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// Retryable reports whether the agent may retry the operation that produced
// err. Terminal blocks (retry budget exhausted, auth) are not retryable.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeMaxRetriesExceeded, CodeAuthRequired, CodeForbiddenScope:
		return false
	}
	return true
}
