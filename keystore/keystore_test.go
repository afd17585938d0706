package keystore

import (
	"context"
	"testing"
	"time"

	"github.com/hwuu/pylon/policy"
	"github.com/hwuu/pylon/pylonerr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite3", "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndResolve(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	raw, id, err := s.Create(ctx, "test key", Normal, nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id.KeyPrefix != raw[:7] {
		t.Fatalf("expected key prefix %q, got %q", raw[:7], id.KeyPrefix)
	}

	resolved, err := s.Resolve(ctx, raw)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.ID != id.ID {
		t.Fatalf("expected resolved identity %s, got %s", id.ID, resolved.ID)
	}
}

func TestResolveUnknownCredential(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Resolve(context.Background(), "sk-doesnotexist"); err == nil {
		t.Fatal("expected an error for an unknown credential")
	}
}

func TestResolveRevokedCredential(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	raw, id, err := s.Create(ctx, "revoke me", Normal, nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Revoke(ctx, id.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := s.Resolve(ctx, raw); err != pylonerr.ErrRevoked {
		t.Fatalf("expected revoked error, got %v", err)
	}
}

func TestResolveExpiredCredential(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ttl := -time.Hour // already expired
	raw, _, err := s.Create(ctx, "expired", Normal, &ttl, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Resolve(ctx, raw); err == nil {
		t.Fatal("expected an expiry error")
	}
}

func TestRefreshRotatesCredentialButKeepsID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	raw, id, err := s.Create(ctx, "rotating", Normal, nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	newRaw, newID, err := s.Refresh(ctx, id.ID)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if newID.ID != id.ID {
		t.Fatal("expected the identity id to remain stable across a refresh")
	}
	if newRaw == raw {
		t.Fatal("expected a freshly generated credential")
	}
	if _, err := s.Resolve(ctx, raw); err == nil {
		t.Fatal("expected the old credential to stop resolving after refresh")
	}
}

func TestCreateAndUpdateOverrides(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rpm := 5
	_, id, err := s.Create(ctx, "overridden", Normal, nil, &policy.RateLimitRule{MaxRequestsPerMinute: &rpm})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id.Overrides == nil || id.Overrides.MaxRequestsPerMinute == nil || *id.Overrides.MaxRequestsPerMinute != 5 {
		t.Fatalf("expected overrides to round-trip through Create, got %+v", id.Overrides)
	}

	fetched, err := s.GetByID(ctx, id.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if fetched.Overrides == nil || *fetched.Overrides.MaxRequestsPerMinute != 5 {
		t.Fatalf("expected overrides to round-trip through GetByID, got %+v", fetched.Overrides)
	}

	if err := s.UpdateOverrides(ctx, id.ID, nil); err != nil {
		t.Fatalf("update overrides: %v", err)
	}
	cleared, err := s.GetByID(ctx, id.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if cleared.Overrides != nil {
		t.Fatalf("expected overrides to be cleared, got %+v", cleared.Overrides)
	}
}

func TestDeleteRefusesActiveIdentity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, id, err := s.Create(ctx, "active", Normal, nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Delete(ctx, id.ID); err == nil {
		t.Fatal("expected delete to refuse an active identity")
	}

	if err := s.Revoke(ctx, id.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := s.Delete(ctx, id.ID); err != nil {
		t.Fatalf("expected delete to succeed once revoked, got %v", err)
	}
}
