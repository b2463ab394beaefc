// Package memory provides an in-process implementation of storage.Storage
// backed by github.com/hashicorp/golang-lru/v2. The cache is bounded; the
// least recently used entries are evicted when it is full.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ggoodman/mcp-streamable-go/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

const cleanupInterval = time.Minute

// Storage implements storage.Storage in memory.
type Storage struct {
	cache *lru.Cache[string, *storage.Item]
	now   func() time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a storage holding at most maxItems entries.
func New(maxItems int) (*Storage, error) {
	cache, err := lru.New[string, *storage.Item](maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	s := &Storage{
		cache: cache,
		now:   time.Now,
		done:  make(chan struct{}),
	}

	go s.cleanupExpired()

	return s, nil
}

// Get retrieves data for key within the requested namespace.
func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	o := storage.Apply(opts...)
	k := buildKey(o.Namespace, key)

	item, ok := s.cache.Get(k)
	if !ok {
		return nil, nil
	}
	if item.IsExpired(s.now()) {
		s.cache.Remove(k)
		return nil, nil
	}

	out := *item
	out.Data = append([]byte(nil), item.Data...)
	return &out, nil
}

// Set stores data for key within the requested namespace.
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	o := storage.Apply(opts...)

	now := s.now()
	item := &storage.Item{
		Data:      append([]byte(nil), data...),
		CreatedAt: now,
	}
	if o.TTL != nil {
		if *o.TTL <= 0 {
			return storage.ErrInvalidTTL
		}
		exp := now.Add(*o.TTL)
		item.ExpiresAt = &exp
	}

	s.cache.Add(buildKey(o.Namespace, key), item)
	return nil
}

// Delete removes key within the requested namespace.
func (s *Storage) Delete(ctx context.Context, key string, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	s.cache.Remove(buildKey(o.Namespace, key))
	return nil
}

// Close stops the background sweeper and drops all entries.
func (s *Storage) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cache.Purge()
	})
	return nil
}

// Len reports the number of entries currently held, expired or not.
func (s *Storage) Len() int { return s.cache.Len() }

func buildKey(ns, key string) string {
	if ns == "" {
		return "global:" + key
	}
	return "ns:" + ns + ":" + key
}

// cleanupExpired periodically drops expired entries until Close.
func (s *Storage) cleanupExpired() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Storage) sweep() {
	now := s.now()
	for _, k := range s.cache.Keys() {
		if item, ok := s.cache.Peek(k); ok && item.IsExpired(now) {
			s.cache.Remove(k)
		}
	}
}

var _ storage.Storage = (*Storage)(nil)
