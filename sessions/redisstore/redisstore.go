// Package redisstore is a Redis-backed sessions.Store.
//
// Each session is a hash holding the JSON record and its last activity; a
// sorted set scored by last activity indexes sessions for idle pruning.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ggoodman/mcp-streamable-go/sessions"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

const (
	fieldMeta     = "meta"
	fieldActivity = "last_activity"
)

// Config for the Redis session store. Defaults can be loaded via envdecode.
type Config struct {
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=mcp:sessions:"`
}

// Store implements sessions.Store on Redis.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
}

// New returns a Store using client. The client is not closed by the Store.
func New(client redis.UniversalClient, cfg Config) (*Store, error) {
	if client == nil {
		return nil, errors.New("redisstore: client is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcp:sessions:"
	}
	return &Store{client: client, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(client redis.UniversalClient) (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("redisstore: decode env: %w", err)
	}
	return New(client, cfg)
}

func (s *Store) sessionKey(id string) string { return s.keyPrefix + "session:" + id }
func (s *Store) indexKey() string            { return s.keyPrefix + "idle" }

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

func (s *Store) Save(ctx context.Context, meta *sessions.SessionMetadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("redisstore: encode: %w", err)
	}
	key := s.sessionKey(meta.SessionID)
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, fieldMeta, raw, fieldActivity, meta.LastActivity.UnixNano())
		p.ZAdd(ctx, s.indexKey(), redis.Z{Score: score(meta.LastActivity), Member: meta.SessionID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstore: save %s: %w", meta.SessionID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, sessionID string) (*sessions.SessionMetadata, error) {
	vals, err := s.client.HMGet(ctx, s.sessionKey(sessionID), fieldMeta, fieldActivity).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: get %s: %w", sessionID, err)
	}
	raw, _ := vals[0].(string)
	if raw == "" {
		return nil, sessions.ErrSessionNotFound
	}

	var meta sessions.SessionMetadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("redisstore: decode %s: %w", sessionID, err)
	}
	if act, _ := vals[1].(string); act != "" {
		if ns, err := strconv.ParseInt(act, 10, 64); err == nil {
			meta.LastActivity = time.Unix(0, ns)
		}
	}
	return &meta, nil
}

func (s *Store) UpdateActivity(ctx context.Context, sessionID string, at time.Time) error {
	key := s.sessionKey(sessionID)
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redisstore: exists %s: %w", sessionID, err)
	}
	if n == 0 {
		return sessions.ErrSessionNotFound
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, fieldActivity, at.UnixNano())
		p.ZAdd(ctx, s.indexKey(), redis.Z{Score: score(at), Member: sessionID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstore: touch %s: %w", sessionID, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, sessionID string) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.sessionKey(sessionID))
		p.ZRem(ctx, s.indexKey(), sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstore: remove %s: %w", sessionID, err)
	}
	return nil
}

func (s *Store) PruneIdleSessions(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redisstore: scan idle: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	members := make([]any, len(ids))
	keys := make([]string, len(ids))
	for i, id := range ids {
		members[i] = id
		keys[i] = s.sessionKey(id)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, keys...)
		p.ZRem(ctx, s.indexKey(), members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redisstore: prune: %w", err)
	}
	return len(ids), nil
}

var _ sessions.Store = (*Store)(nil)
