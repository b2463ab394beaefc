// Package eventstoretest provides a conformance suite for eventstore.Store
// implementations.
package eventstoretest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ggoodman/mcp-streamable-go/eventstore"
)

// Factory returns a fresh store for one subtest.
type Factory func(t *testing.T) eventstore.Store

// Expirer makes every entry the store has written so far lapse, as if its
// retention had run out.
type Expirer func(t *testing.T)

// ExpiringFactory returns a fresh store and a way to expire its entries.
type ExpiringFactory func(t *testing.T) (eventstore.Store, Expirer)

// Option configures RunStoreTests.
type Option func(*suite)

type suite struct {
	expiring ExpiringFactory
}

// WithExpiry enables the retention subtests.
func WithExpiry(f ExpiringFactory) Option {
	return func(s *suite) { s.expiring = f }
}

// RunStoreTests exercises id assignment and replay semantics.
func RunStoreTests(t *testing.T, newStore Factory, opts ...Option) {
	var cfg suite
	for _, opt := range opts {
		opt(&cfg)
	}

	t.Run("ExpiredCursorAfterReappend", func(t *testing.T) {
		if cfg.expiring == nil {
			t.Skip("store has no expiry hook")
		}
		s, expire := cfg.expiring(t)
		ctx := context.Background()

		old := map[string]bool{}
		var oldIDs []string
		for i := range 3 {
			id := mustAppend(t, s, "sess/x", fmt.Sprintf("a%d", i))
			old[id] = true
			oldIDs = append(oldIDs, id)
		}

		expire(t)

		for i := range 4 {
			id := mustAppend(t, s, "sess/x", fmt.Sprintf("b%d", i))
			if old[id] {
				t.Fatalf("event id %q reissued after expiry", id)
			}
		}
		for i, id := range oldIDs {
			got, err := s.ReplayAfter(ctx, "sess/x", id)
			if !errors.Is(err, eventstore.ErrNotResumable) {
				t.Fatalf("replay after expired a%d: want ErrNotResumable, got %d events, err %v", i, len(got), err)
			}
		}
	})

	t.Run("ReplaySuffixForEveryCursor", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		const n = 5

		ids := make([]string, n)
		for i := range n {
			ids[i] = mustAppend(t, s, "sess/a", fmt.Sprintf("m%d", i))
		}

		for k := range n {
			got, err := s.ReplayAfter(ctx, "sess/a", ids[k])
			if err != nil {
				t.Fatalf("replay after %d: %v", k, err)
			}
			if len(got) != n-k-1 {
				t.Fatalf("replay after %d: want %d events got %d", k, n-k-1, len(got))
			}
			for j, ev := range got {
				want := fmt.Sprintf("m%d", k+1+j)
				if string(ev.Data) != want {
					t.Fatalf("replay after %d: event %d want %q got %q", k, j, want, ev.Data)
				}
				if ev.ID != ids[k+1+j] {
					t.Fatalf("replay after %d: event %d id mismatch", k, j)
				}
			}
		}
	})

	t.Run("IDsIncreasePerStream", func(t *testing.T) {
		s := newStore(t)
		seen := map[string]bool{}
		for i := range 3 {
			id := mustAppend(t, s, "sess/b", fmt.Sprintf("m%d", i))
			if seen[id] {
				t.Fatalf("duplicate event id %q", id)
			}
			seen[id] = true
			stream, _, err := eventstore.ParseEventID(id)
			if err != nil || stream != "sess/b" {
				t.Fatalf("event id does not encode its stream: %q (%v)", stream, err)
			}
		}
	})

	t.Run("UnknownCursor", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustAppend(t, s, "sess/c", "m0")

		cases := map[string]string{
			"garbage":     "not-an-id",
			"other":       mustAppend(t, s, "sess/other", "x"),
			"neverIssued": eventstore.FormatEventID("sess/c", "999999999-0"),
		}
		for name, id := range cases {
			if _, err := s.ReplayAfter(ctx, "sess/c", id); !errors.Is(err, eventstore.ErrNotResumable) {
				t.Fatalf("%s: want ErrNotResumable, got %v", name, err)
			}
		}
	})

	t.Run("StreamsAreIsolated", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		first := mustAppend(t, s, "sess/d1", "a0")
		mustAppend(t, s, "sess/d2", "b0")
		mustAppend(t, s, "sess/d1", "a1")

		got, err := s.ReplayAfter(ctx, "sess/d1", first)
		if err != nil {
			t.Fatalf("replay: %v", err)
		}
		if len(got) != 1 || string(got[0].Data) != "a1" {
			t.Fatalf("unexpected replay: %+v", got)
		}
	})

	t.Run("MarkersAreCursorsOnly", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		prime, err := s.Append(ctx, "sess/e", nil)
		if err != nil {
			t.Fatalf("append marker: %v", err)
		}

		got, err := s.ReplayAfter(ctx, "sess/e", prime)
		if err != nil {
			t.Fatalf("replay empty: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("want no events after marker, got %d", len(got))
		}

		mustAppend(t, s, "sess/e", "m0")
		if _, err := s.Append(ctx, "sess/e", nil); err != nil {
			t.Fatalf("append marker: %v", err)
		}
		mustAppend(t, s, "sess/e", "m1")

		got, err = s.ReplayAfter(ctx, "sess/e", prime)
		if err != nil {
			t.Fatalf("replay: %v", err)
		}
		if len(got) != 2 || string(got[0].Data) != "m0" || string(got[1].Data) != "m1" {
			t.Fatalf("unexpected replay: %+v", got)
		}
	})

	t.Run("ConcurrentAppends", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		first := mustAppend(t, s, "sess/f", "start")

		const workers, per = 8, 10
		var wg sync.WaitGroup
		errs := make(chan error, workers*per)
		for w := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range per {
					if _, err := s.Append(ctx, "sess/f", []byte(fmt.Sprintf("w%d-%d", w, i))); err != nil {
						errs <- err
					}
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("append: %v", err)
		}

		got, err := s.ReplayAfter(ctx, "sess/f", first)
		if err != nil {
			t.Fatalf("replay: %v", err)
		}
		if len(got) != workers*per {
			t.Fatalf("want %d events got %d", workers*per, len(got))
		}
	})
}

func mustAppend(t *testing.T, s eventstore.Store, stream, data string) string {
	t.Helper()
	id, err := s.Append(context.Background(), stream, []byte(data))
	if err != nil {
		t.Fatalf("append %s: %v", stream, err)
	}
	return id
}
