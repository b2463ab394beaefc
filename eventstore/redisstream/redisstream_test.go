package redisstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ggoodman/mcp-streamable-go/eventstore"
	"github.com/ggoodman/mcp-streamable-go/eventstore/eventstoretest"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T, cfg Config) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s, err := New(client, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, mr
}

func TestRedisStreamStore(t *testing.T) {
	eventstoretest.RunStoreTests(t, func(t *testing.T) eventstore.Store {
		s, _ := newTestStore(t, Config{})
		return s
	}, eventstoretest.WithExpiry(func(t *testing.T) (eventstore.Store, eventstoretest.Expirer) {
		s, mr := newTestStore(t, Config{TTL: time.Minute})
		return s, func(t *testing.T) {
			mr.FastForward(2 * time.Minute)
			// Stream ids are millisecond based; move past the last one.
			time.Sleep(5 * time.Millisecond)
		}
	}))
}

func TestAppendSetsTTL(t *testing.T) {
	s, mr := newTestStore(t, Config{TTL: time.Minute})
	if _, err := s.Append(context.Background(), "sess/a", []byte("m0")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if ttl := mr.TTL("mcp:events:sess/a"); ttl != time.Minute {
		t.Fatalf("want ttl 1m, got %v", ttl)
	}
}

func TestExpiredStreamIsNotResumable(t *testing.T) {
	s, mr := newTestStore(t, Config{TTL: time.Minute})
	ctx := context.Background()
	id, err := s.Append(ctx, "sess/b", []byte("m0"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	if _, err := s.ReplayAfter(ctx, "sess/b", id); !errors.Is(err, eventstore.ErrNotResumable) {
		t.Fatalf("want ErrNotResumable, got %v", err)
	}
}

func TestTrimmedCursorIsNotResumable(t *testing.T) {
	s, _ := newTestStore(t, Config{MaxLen: 2})
	ctx := context.Background()

	first, _ := s.Append(ctx, "sess/c", []byte("m0"))
	second, _ := s.Append(ctx, "sess/c", []byte("m1"))
	_, _ = s.Append(ctx, "sess/c", []byte("m2"))

	if _, err := s.ReplayAfter(ctx, "sess/c", first); !errors.Is(err, eventstore.ErrNotResumable) {
		t.Fatalf("want ErrNotResumable for trimmed cursor, got %v", err)
	}
	got, err := s.ReplayAfter(ctx, "sess/c", second)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(got) != 1 || string(got[0].Data) != "m2" {
		t.Fatalf("unexpected replay: %+v", got)
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Fatalf("expected error without client")
	}
}
