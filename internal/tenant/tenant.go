// Package tenant derives the space context from a verified identity and
// threads it through every operation. The space id is the isolation boundary:
// all vector filters, cache keys, and proof-of-work state are scoped by it.
package tenant

import (
	"context"

	"github.com/kairosdev/kairos/internal/kairoserr"
)

// DefaultSpaceID is used for every request when auth is disabled.
const DefaultSpaceID = "space:default"

// NoAuthSpaceID is the reserved write space assigned to unauthenticated
// requests while auth is enabled. Data operations in it always fail.
const NoAuthSpaceID = "space:no-auth"

// Identity is the verified claim set extracted from a bearer token.
type Identity struct {
	Subject string
	Realm   string
	Groups  []string
}

// SpaceContext carries the tenant scope for one operation.
type SpaceContext struct {
	AllowedSpaceIDs     []string
	DefaultWriteSpaceID string
	UserID              string
	GroupIDs            []string
	Authenticated       bool
}

// Derive builds the space context per the isolation rules.
//   - auth enabled, identity present: user space + group spaces + app space.
//   - auth enabled, no identity: empty allowed set, reserved no-auth write
//     space; RequireData rejects everything.
//   - auth disabled: the single default space plus the app space.
func Derive(id *Identity, authEnabled bool, appSpaceID string) *SpaceContext {
	if !authEnabled {
		return &SpaceContext{
			AllowedSpaceIDs:     []string{DefaultSpaceID, appSpaceID},
			DefaultWriteSpaceID: DefaultSpaceID,
			Authenticated:       true,
		}
	}
	if id == nil || id.Subject == "" {
		return &SpaceContext{
			AllowedSpaceIDs:     nil,
			DefaultWriteSpaceID: NoAuthSpaceID,
			Authenticated:       false,
		}
	}

	userSpace := "user:" + id.Realm + ":" + id.Subject
	allowed := []string{userSpace}
	groups := make([]string, 0, len(id.Groups))
	for _, g := range id.Groups {
		allowed = append(allowed, "group:"+id.Realm+":"+g)
		groups = append(groups, g)
	}
	allowed = append(allowed, appSpaceID)

	return &SpaceContext{
		AllowedSpaceIDs:     allowed,
		DefaultWriteSpaceID: userSpace,
		UserID:              id.Subject,
		GroupIDs:            groups,
		Authenticated:       true,
	}
}

// RequireData returns AUTH_REQUIRED when the context is not allowed to touch
// tenant data. Every data operation calls this first.
func (s *SpaceContext) RequireData() error {
	if !s.Authenticated || len(s.AllowedSpaceIDs) == 0 {
		return kairoserr.New(kairoserr.CodeAuthRequired, "authentication required for data operations")
	}
	return nil
}

// CanRead reports whether spaceID is within this context's read scope.
func (s *SpaceContext) CanRead(spaceID string) bool {
	for _, id := range s.AllowedSpaceIDs {
		if id == spaceID {
			return true
		}
	}
	return false
}

type ctxKey struct{}

// WithContext attaches the space context to ctx.
func WithContext(ctx context.Context, sc *SpaceContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, sc)
}

// FromContext extracts the space context. The zero-value unauthenticated
// context is returned when none was attached, so callers fail closed.
func FromContext(ctx context.Context) *SpaceContext {
	if sc, ok := ctx.Value(ctxKey{}).(*SpaceContext); ok {
		return sc
	}
	return &SpaceContext{DefaultWriteSpaceID: NoAuthSpaceID}
}
