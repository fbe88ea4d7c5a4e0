package auth

import (
	"context"
	"errors"
	"testing"
)

// mapSource answers ownership lookups from a fixed map.
type mapSource map[string]string

func (m mapSource) Owner(ctx context.Context, taskID string) (string, bool, error) {
	_ = ctx
	owner, ok := m[taskID]
	return owner, ok, nil
}

func TestEnforce_OwnerAllowed(t *testing.T) {
	e := NewEnforcer(true, mapSource{"t1": "k1"})

	if err := e.Enforce(context.Background(), "t1", Context{Key: "k1"}); err != nil {
		t.Fatalf("owner rejected: %v", err)
	}
}

func TestEnforce_StrangerRejected(t *testing.T) {
	e := NewEnforcer(true, mapSource{"t1": "k1"})

	err := e.Enforce(context.Background(), "t1", Context{Key: "k2"})
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestEnforce_AdminBypasses(t *testing.T) {
	e := NewEnforcer(true, mapSource{"t1": "k1"})

	if err := e.Enforce(context.Background(), "t1", Context{Key: "admin", IsAdmin: true}); err != nil {
		t.Fatalf("admin rejected: %v", err)
	}
}

func TestEnforce_AnonymousRejected(t *testing.T) {
	e := NewEnforcer(true, mapSource{"t1": "k1"})

	err := e.Enforce(context.Background(), "t1", Context{})
	if !errors.Is(err, ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
}

func TestEnforce_UnclaimedAllowed(t *testing.T) {
	e := NewEnforcer(true, mapSource{}, mapSource{})

	if err := e.Enforce(context.Background(), "t1", Context{Key: "k1"}); err != nil {
		t.Fatalf("unclaimed task rejected: %v", err)
	}
}

func TestEnforce_FallbackSourceDecides(t *testing.T) {
	// First source (cache) has expired; the durable second source still
	// holds the claim.
	e := NewEnforcer(true, mapSource{}, mapSource{"t1": "k1"})

	if err := e.Enforce(context.Background(), "t1", Context{Key: "k1"}); err != nil {
		t.Fatalf("owner rejected on fallback: %v", err)
	}
	if err := e.Enforce(context.Background(), "t1", Context{Key: "k2"}); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner on fallback, got %v", err)
	}
}

func TestEnforce_FirstClaimWins(t *testing.T) {
	// The cache claim takes precedence even when a later source disagrees.
	e := NewEnforcer(true, mapSource{"t1": "k1"}, mapSource{"t1": "k2"})

	if err := e.Enforce(context.Background(), "t1", Context{Key: "k1"}); err != nil {
		t.Fatalf("owner per first source rejected: %v", err)
	}
	if err := e.Enforce(context.Background(), "t1", Context{Key: "k2"}); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner for second-source owner, got %v", err)
	}
}

func TestEnforce_DisabledAllowsAll(t *testing.T) {
	e := NewEnforcer(false, mapSource{"t1": "k1"})

	if err := e.Enforce(context.Background(), "t1", Context{}); err != nil {
		t.Fatalf("disabled enforcer rejected: %v", err)
	}
}
