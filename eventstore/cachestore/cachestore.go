// Package cachestore implements eventstore.Store on top of any
// storage.Storage. The store only assigns sequence numbers and answers suffix
// queries; every entry is written with a TTL and expiry is the cache's job.
//
// Sequence numbers are scoped to an epoch chosen when a stream's head is
// first written. If the head expires or is evicted the stream starts a new
// epoch, so cursors issued before can never match entries written after.
package cachestore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/ggoodman/mcp-streamable-go/eventstore"
	"github.com/ggoodman/mcp-streamable-go/storage"
	"github.com/google/uuid"
)

const (
	// DefaultTTL bounds how long events stay replayable.
	DefaultTTL = time.Hour
	// DefaultNamespace isolates event keys from other users of the cache.
	DefaultNamespace = "events"

	lockStripes = 64
)

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithNamespace overrides DefaultNamespace.
func WithNamespace(ns string) Option {
	return func(s *Store) { s.namespace = ns }
}

// Store is a cache-backed eventstore.Store.
//
// Sequence assignment is serialized per stream within one process. A stream
// is owned by the process hosting its session, so no cross-process
// coordination is attempted.
type Store struct {
	cache     storage.Storage
	ttl       time.Duration
	namespace string

	locks [lockStripes]sync.Mutex
}

// New returns a Store writing through cache.
func New(cache storage.Storage, opts ...Option) (*Store, error) {
	if cache == nil {
		return nil, errors.New("cachestore: cache is required")
	}
	s := &Store{cache: cache, ttl: DefaultTTL, namespace: DefaultNamespace}
	for _, opt := range opts {
		opt(s)
	}
	if s.ttl <= 0 {
		return nil, fmt.Errorf("cachestore: ttl must be positive, got %s", s.ttl)
	}
	return s, nil
}

func (s *Store) lockFor(streamID string) *sync.Mutex {
	return &s.locks[xxhash.Sum64String(streamID)%lockStripes]
}

func headKey(streamID string) string { return "head:" + streamID }

func eventKey(streamID string, pos position) string {
	return "ev:" + streamID + ":" + pos.epoch + ":" + strconv.FormatUint(pos.seq, 10)
}

// position locates one event: the stream epoch and its sequence number in it.
type position struct {
	epoch string
	seq   uint64
}

func (p position) String() string { return p.epoch + "." + strconv.FormatUint(p.seq, 10) }

func parsePosition(s string) (position, bool) {
	epoch, n, ok := strings.Cut(s, ".")
	if !ok || epoch == "" {
		return position{}, false
	}
	seq, err := strconv.ParseUint(n, 10, 64)
	if err != nil || seq == 0 {
		return position{}, false
	}
	return position{epoch: epoch, seq: seq}, true
}

// Append implements eventstore.Store.
func (s *Store) Append(ctx context.Context, streamID string, data []byte) (string, error) {
	mu := s.lockFor(streamID)
	mu.Lock()
	defer mu.Unlock()

	pos, ok, err := s.head(ctx, streamID)
	if err != nil {
		return "", err
	}
	if !ok {
		pos = position{epoch: uuid.NewString()}
	}
	pos.seq++

	ns := storage.WithNamespace(s.namespace)
	ttl := storage.WithTTL(s.ttl)

	if err := s.cache.Set(ctx, eventKey(streamID, pos), data, ns, ttl); err != nil {
		return "", fmt.Errorf("cachestore: write event: %w", err)
	}
	if err := s.cache.Set(ctx, headKey(streamID), []byte(pos.String()), ns, ttl); err != nil {
		return "", fmt.Errorf("cachestore: write head: %w", err)
	}

	return eventstore.FormatEventID(streamID, pos.String()), nil
}

// ReplayAfter implements eventstore.Store.
func (s *Store) ReplayAfter(ctx context.Context, streamID string, lastEventID string) ([]eventstore.Event, error) {
	owner, cursor, err := eventstore.ParseEventID(lastEventID)
	if err != nil {
		return nil, err
	}
	if owner != streamID {
		return nil, eventstore.ErrNotResumable
	}
	from, ok := parsePosition(cursor)
	if !ok {
		return nil, eventstore.ErrNotResumable
	}

	head, ok, err := s.head(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if !ok || head.epoch != from.epoch || head.seq < from.seq {
		return nil, eventstore.ErrNotResumable
	}

	ns := storage.WithNamespace(s.namespace)

	// The cursor itself must still be present; otherwise entries between it
	// and the oldest surviving one may have been lost.
	anchor, err := s.cache.Get(ctx, eventKey(streamID, from), ns)
	if err != nil {
		return nil, fmt.Errorf("cachestore: read event: %w", err)
	}
	if anchor == nil {
		return nil, eventstore.ErrNotResumable
	}

	out := make([]eventstore.Event, 0, head.seq-from.seq)
	for pos := (position{epoch: from.epoch, seq: from.seq + 1}); pos.seq <= head.seq; pos.seq++ {
		item, err := s.cache.Get(ctx, eventKey(streamID, pos), ns)
		if err != nil {
			return nil, fmt.Errorf("cachestore: read event: %w", err)
		}
		if item == nil {
			return nil, eventstore.ErrNotResumable
		}
		if len(item.Data) == 0 {
			continue
		}
		out = append(out, eventstore.Event{
			ID:   eventstore.FormatEventID(streamID, pos.String()),
			Data: item.Data,
		})
	}
	return out, nil
}

// head returns the position of the newest event of streamID. ok is false
// when the stream has no live head.
func (s *Store) head(ctx context.Context, streamID string) (pos position, ok bool, err error) {
	item, err := s.cache.Get(ctx, headKey(streamID), storage.WithNamespace(s.namespace))
	if err != nil {
		return position{}, false, fmt.Errorf("cachestore: read head: %w", err)
	}
	if item == nil {
		return position{}, false, nil
	}
	pos, ok = parsePosition(string(item.Data))
	if !ok {
		return position{}, false, fmt.Errorf("cachestore: corrupt head %q for stream %q", item.Data, streamID)
	}
	return pos, true, nil
}

var _ eventstore.Store = (*Store)(nil)
