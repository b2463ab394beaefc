// Package storagetest provides a conformance suite for storage.Storage
// implementations.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/mcp-streamable-go/storage"
)

// Factory returns a fresh, empty storage for one subtest.
type Factory func(t *testing.T) storage.Storage

// RunStorageTests exercises the behaviors every storage backend must share.
func RunStorageTests(t *testing.T, newStorage Factory) {
	t.Run("SetAndGet", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		if err := s.Set(ctx, "k", []byte("v1")); err != nil {
			t.Fatalf("set: %v", err)
		}
		item, err := s.Get(ctx, "k")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if item == nil || string(item.Data) != "v1" {
			t.Fatalf("want v1, got %+v", item)
		}
		if item.ExpiresAt != nil {
			t.Fatalf("expected no expiry without ttl")
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		s := newStorage(t)

		mustSet(t, s, "k", "v1")
		mustSet(t, s, "k", "v2")
		if got := mustGet(t, s, "k"); got != "v2" {
			t.Fatalf("want v2, got %q", got)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStorage(t)
		item, err := s.Get(context.Background(), "nope")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if item != nil {
			t.Fatalf("expected nil item for missing key, got %+v", item)
		}
	})

	t.Run("Namespaces", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		if err := s.Set(ctx, "k", []byte("a"), storage.WithNamespace("one")); err != nil {
			t.Fatalf("set one: %v", err)
		}
		if err := s.Set(ctx, "k", []byte("b"), storage.WithNamespace("two")); err != nil {
			t.Fatalf("set two: %v", err)
		}
		a, err := s.Get(ctx, "k", storage.WithNamespace("one"))
		if err != nil || a == nil || string(a.Data) != "a" {
			t.Fatalf("namespace one: item=%+v err=%v", a, err)
		}
		b, err := s.Get(ctx, "k", storage.WithNamespace("two"))
		if err != nil || b == nil || string(b.Data) != "b" {
			t.Fatalf("namespace two: item=%+v err=%v", b, err)
		}
		g, err := s.Get(ctx, "k")
		if err != nil {
			t.Fatalf("get global: %v", err)
		}
		if g != nil {
			t.Fatalf("global namespace should not see namespaced keys")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		mustSet(t, s, "k", "v")
		if err := s.Delete(ctx, "k"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if item, _ := s.Get(ctx, "k"); item != nil {
			t.Fatalf("expected key to be gone after delete")
		}
		if err := s.Delete(ctx, "k"); err != nil {
			t.Fatalf("second delete should be a no-op: %v", err)
		}
	})

	t.Run("TTL", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		if err := s.Set(ctx, "short", []byte("v"), storage.WithTTL(50*time.Millisecond)); err != nil {
			t.Fatalf("set: %v", err)
		}
		item, err := s.Get(ctx, "short")
		if err != nil || item == nil {
			t.Fatalf("expected item before expiry: item=%+v err=%v", item, err)
		}
		if item.ExpiresAt == nil {
			t.Fatalf("expected expiry to be recorded")
		}

		time.Sleep(100 * time.Millisecond)

		item, err = s.Get(ctx, "short")
		if err != nil {
			t.Fatalf("get after expiry: %v", err)
		}
		if item != nil {
			t.Fatalf("expected nil item after expiry")
		}
	})

	t.Run("InvalidTTL", func(t *testing.T) {
		s := newStorage(t)
		if err := s.Set(context.Background(), "k", []byte("v"), storage.WithTTL(0)); err == nil {
			t.Fatalf("expected error for zero ttl")
		}
	})
}

func mustSet(t *testing.T, s storage.Storage, key, val string) {
	t.Helper()
	if err := s.Set(context.Background(), key, []byte(val)); err != nil {
		t.Fatalf("set %s: %v", key, err)
	}
}

func mustGet(t *testing.T, s storage.Storage, key string) string {
	t.Helper()
	item, err := s.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	if item == nil {
		t.Fatalf("get %s: missing", key)
	}
	return string(item.Data)
}
