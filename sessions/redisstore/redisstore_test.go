package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ggoodman/mcp-streamable-go/sessions"
	"github.com/ggoodman/mcp-streamable-go/sessions/sessionstoretest"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s, err := New(client, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, mr
}

func TestRedisStore(t *testing.T) {
	sessionstoretest.RunStoreTests(t, func(t *testing.T) sessions.Store {
		s, _ := newTestStore(t)
		return s
	})
}

func TestIndexTracksActivity(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	at := time.UnixMilli(1_700_000_000_000)

	if err := s.Save(ctx, &sessions.SessionMetadata{SessionID: "a", CreatedAt: at, LastActivity: at}); err != nil {
		t.Fatalf("save: %v", err)
	}
	score, err := mr.ZScore("mcp:sessions:idle", "a")
	if err != nil {
		t.Fatalf("zscore: %v", err)
	}
	if score != float64(at.UnixMilli()) {
		t.Fatalf("want score %d got %v", at.UnixMilli(), score)
	}

	if err := s.Remove(ctx, "a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if mr.Exists("mcp:sessions:session:a") {
		t.Fatalf("session hash should be gone")
	}
	if members, _ := mr.ZMembers("mcp:sessions:idle"); len(members) != 0 {
		t.Fatalf("index should be empty, got %v", members)
	}
}

func TestNewFromEnv(t *testing.T) {
	t.Setenv("SESSIONS_KEY_PREFIX", "custom:")
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s, err := NewFromEnv(client)
	if err != nil {
		t.Fatalf("NewFromEnv: %v", err)
	}
	if s.keyPrefix != "custom:" {
		t.Fatalf("want prefix custom:, got %q", s.keyPrefix)
	}
}
