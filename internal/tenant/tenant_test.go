package tenant

import (
	"context"
	"testing"

	"github.com/kairosdev/kairos/internal/kairoserr"
)

const appSpace = "space:kairos-app"

func TestDeriveAuthDisabled(t *testing.T) {
	sc := Derive(nil, false, appSpace)
	if !sc.Authenticated {
		t.Error("auth-off context must be authenticated")
	}
	if sc.DefaultWriteSpaceID != DefaultSpaceID {
		t.Errorf("write space = %q", sc.DefaultWriteSpaceID)
	}
	if !sc.CanRead(DefaultSpaceID) || !sc.CanRead(appSpace) {
		t.Errorf("allowed = %v", sc.AllowedSpaceIDs)
	}
	if err := sc.RequireData(); err != nil {
		t.Errorf("data access should be allowed: %v", err)
	}
}

func TestDeriveAuthenticatedUser(t *testing.T) {
	id := &Identity{Subject: "alice", Realm: "corp", Groups: []string{"platform", "sre"}}
	sc := Derive(id, true, appSpace)

	if sc.DefaultWriteSpaceID != "user:corp:alice" {
		t.Errorf("write space = %q", sc.DefaultWriteSpaceID)
	}
	for _, space := range []string{"user:corp:alice", "group:corp:platform", "group:corp:sre", appSpace} {
		if !sc.CanRead(space) {
			t.Errorf("cannot read %s; allowed = %v", space, sc.AllowedSpaceIDs)
		}
	}
	if sc.CanRead("user:corp:bob") {
		t.Error("must not read another user's space")
	}
	if err := sc.RequireData(); err != nil {
		t.Errorf("data access should be allowed: %v", err)
	}
}

func TestDeriveUnauthenticatedFailsClosed(t *testing.T) {
	sc := Derive(nil, true, appSpace)
	if sc.Authenticated {
		t.Error("must not be authenticated")
	}
	if len(sc.AllowedSpaceIDs) != 0 {
		t.Errorf("allowed = %v, want empty", sc.AllowedSpaceIDs)
	}
	if sc.DefaultWriteSpaceID != NoAuthSpaceID {
		t.Errorf("write space = %q", sc.DefaultWriteSpaceID)
	}
	err := sc.RequireData()
	if !kairoserr.Is(err, kairoserr.CodeAuthRequired) {
		t.Fatalf("want AUTH_REQUIRED, got %v", err)
	}
}

func TestDeriveEmptySubjectFailsClosed(t *testing.T) {
	sc := Derive(&Identity{Realm: "corp"}, true, appSpace)
	if err := sc.RequireData(); !kairoserr.Is(err, kairoserr.CodeAuthRequired) {
		t.Fatalf("want AUTH_REQUIRED, got %v", err)
	}
}

func TestFromContextDefaultsFailClosed(t *testing.T) {
	sc := FromContext(context.Background())
	if err := sc.RequireData(); !kairoserr.Is(err, kairoserr.CodeAuthRequired) {
		t.Fatalf("want AUTH_REQUIRED, got %v", err)
	}
}

func TestContextRoundTrip(t *testing.T) {
	want := Derive(&Identity{Subject: "alice", Realm: "corp"}, true, appSpace)
	ctx := WithContext(context.Background(), want)
	if got := FromContext(ctx); got != want {
		t.Error("context did not return the attached value")
	}
}
