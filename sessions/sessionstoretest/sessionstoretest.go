// Package sessionstoretest provides a conformance suite for sessions.Store
// implementations.
package sessionstoretest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/mcp-streamable-go/auth"
	"github.com/ggoodman/mcp-streamable-go/sessions"
)

// StoreFactory creates a new, empty Store for one subtest.
type StoreFactory func(t *testing.T) sessions.Store

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("SaveAndGet", func(t *testing.T) { testSaveAndGet(t, factory) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("UpdateActivity", func(t *testing.T) { testUpdateActivity(t, factory) })
	t.Run("RemoveIsIdempotent", func(t *testing.T) { testRemove(t, factory) })
	t.Run("PruneIdleSessions", func(t *testing.T) { testPrune(t, factory) })
}

var base = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

func newMeta(id string, lastActivity time.Time) *sessions.SessionMetadata {
	return &sessions.SessionMetadata{
		SessionID:       id,
		Identity:        &auth.Identity{ClaimType: auth.SubjectClaimType, ClaimValue: "user-" + id, Issuer: "https://issuer.example"},
		ProtocolVersion: "2025-06-18",
		CreatedAt:       base,
		LastActivity:    lastActivity,
		CustomData:      json.RawMessage(`{"k":"v"}`),
	}
}

func mustSave(t *testing.T, s sessions.Store, meta *sessions.SessionMetadata) {
	t.Helper()
	if err := s.Save(context.Background(), meta); err != nil {
		t.Fatalf("save %s: %v", meta.SessionID, err)
	}
}

func testSaveAndGet(t *testing.T, factory StoreFactory) {
	s := factory(t)
	in := newMeta("a", base)
	mustSave(t, s, in)

	got, err := s.Get(context.Background(), "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SessionID != "a" || got.ProtocolVersion != in.ProtocolVersion {
		t.Fatalf("unexpected record: %+v", got)
	}
	if !got.Identity.SameAs(in.Identity) {
		t.Fatalf("identity mismatch: %+v", got.Identity)
	}
	if !got.CreatedAt.Equal(base) || !got.LastActivity.Equal(base) {
		t.Fatalf("timestamps mismatch: created=%v last=%v", got.CreatedAt, got.LastActivity)
	}
	if string(got.CustomData) != `{"k":"v"}` {
		t.Fatalf("custom data mismatch: %s", got.CustomData)
	}

	// Mutating the returned record must not affect the stored one.
	got.ProtocolVersion = "mutated"
	again, _ := s.Get(context.Background(), "a")
	if again.ProtocolVersion != in.ProtocolVersion {
		t.Fatalf("store returned shared record")
	}
}

func testGetMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound, got %v", err)
	}
}

func testUpdateActivity(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	mustSave(t, s, newMeta("a", base))

	later := base.Add(time.Minute)
	if err := s.UpdateActivity(ctx, "a", later); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.LastActivity.Equal(later) {
		t.Fatalf("want last activity %v got %v", later, got.LastActivity)
	}

	if err := s.UpdateActivity(ctx, "missing", later); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound for unknown id, got %v", err)
	}
}

func testRemove(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	mustSave(t, s, newMeta("a", base))

	for i := 0; i < 2; i++ {
		if err := s.Remove(ctx, "a"); err != nil {
			t.Fatalf("remove #%d: %v", i, err)
		}
	}
	if _, err := s.Get(ctx, "a"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound after remove, got %v", err)
	}
}

func testPrune(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	mustSave(t, s, newMeta("old", base))
	mustSave(t, s, newMeta("edge", base.Add(time.Minute)))
	mustSave(t, s, newMeta("fresh", base.Add(2*time.Minute)))

	n, err := s.PruneIdleSessions(ctx, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 2 {
		t.Fatalf("want 2 pruned, got %d", n)
	}
	for _, id := range []string{"old", "edge"} {
		if _, err := s.Get(ctx, id); !errors.Is(err, sessions.ErrSessionNotFound) {
			t.Fatalf("%s should be pruned, got %v", id, err)
		}
	}
	if _, err := s.Get(ctx, "fresh"); err != nil {
		t.Fatalf("fresh should survive: %v", err)
	}

	// Touching a session moves it out of the prune window.
	if err := s.UpdateActivity(ctx, "fresh", base.Add(time.Hour)); err != nil {
		t.Fatalf("update: %v", err)
	}
	if n, err := s.PruneIdleSessions(ctx, base.Add(30*time.Minute)); err != nil || n != 0 {
		t.Fatalf("want nothing pruned, got n=%d err=%v", n, err)
	}
}
