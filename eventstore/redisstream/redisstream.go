// Package redisstream implements eventstore.Store on Redis Streams. Each
// event stream maps to one Redis stream key; entry ids assigned by XADD are
// the cursors, and the key's TTL is refreshed on every append.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-streamable-go/eventstore"
	"github.com/redis/go-redis/v9"
)

const dataField = "d"

// Config for a Redis Streams backed event store. Zero values take the
// defaults applied by New.
type Config struct {
	// KeyPrefix for all stream keys. Default: "mcp:events:"
	KeyPrefix string
	// TTL of an idle stream. Default: 1h
	TTL time.Duration
	// MaxLen caps entries per stream; 0 keeps everything until expiry.
	MaxLen int64
}

// Store is a Redis Streams eventstore.Store.
type Store struct {
	client redis.UniversalClient
	cfg    Config
}

// New returns a Store using client. The client is not closed by the Store.
func New(client redis.UniversalClient, cfg Config) (*Store, error) {
	if client == nil {
		return nil, errors.New("redisstream: client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "mcp:events:"
	}
	if cfg.TTL == 0 {
		cfg.TTL = time.Hour
	}
	if cfg.TTL < 0 || cfg.MaxLen < 0 {
		return nil, fmt.Errorf("redisstream: invalid config %+v", cfg)
	}
	return &Store{client: client, cfg: cfg}, nil
}

func (s *Store) key(streamID string) string { return s.cfg.KeyPrefix + streamID }

// Append implements eventstore.Store.
func (s *Store) Append(ctx context.Context, streamID string, data []byte) (string, error) {
	key := s.key(streamID)

	var add *redis.StringCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		add = p.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			MaxLen: s.cfg.MaxLen,
			Values: map[string]any{dataField: data},
		})
		p.Expire(ctx, key, s.cfg.TTL)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("redisstream: xadd %s: %w", key, err)
	}
	return eventstore.FormatEventID(streamID, add.Val()), nil
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

	// The range is inclusive so the cursor entry proves nothing was trimmed
	// between it and the rest of the suffix.
	msgs, err := s.client.XRange(ctx, s.key(streamID), cursor, "+").Result()
	if err != nil {
		return nil, fmt.Errorf("redisstream: xrange: %w", err)
	}
	if len(msgs) == 0 || msgs[0].ID != cursor {
		return nil, eventstore.ErrNotResumable
	}

	out := make([]eventstore.Event, 0, len(msgs)-1)
	for _, m := range msgs[1:] {
		raw, _ := m.Values[dataField].(string)
		if raw == "" {
			continue
		}
		out = append(out, eventstore.Event{
			ID:   eventstore.FormatEventID(streamID, m.ID),
			Data: []byte(raw),
		})
	}
	return out, nil
}

var _ eventstore.Store = (*Store)(nil)
