// Package store persists engine state: account checkpoints in Redis
// (with an in-memory fallback so trading continues when Redis is
// down) and a Postgres journal for signals, order results and
// backtest runs.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"pattern-trading-engine/config"
	"pattern-trading-engine/internal/risk"
)

const (
	// checkpointKeyPrefix namespaces per-account snapshots.
	// Format: engine:checkpoint:{accountID}
	checkpointKeyPrefix = "engine:checkpoint"

	// checkpointSetKey lists every checkpointed account ID.
	checkpointSetKey = "engine:checkpoints"

	// Snapshots outlive most restarts by a wide margin.
	checkpointTTL = 7 * 24 * time.Hour
)

// CheckpointStore saves and restores account snapshots. Redis is the
// primary backend; every write also lands in an in-memory cache so a
// Redis outage degrades durability, never availability.
type CheckpointStore struct {
	client *redis.Client
	log    zerolog.Logger

	mu        sync.RWMutex
	cache     map[string]risk.Snapshot
	available atomic.Bool
}

// NewCheckpointStore connects to Redis per cfg. A nil or disabled
// configuration yields a memory-only store.
func NewCheckpointStore(cfg config.RedisConfig, log zerolog.Logger) *CheckpointStore {
	s := &CheckpointStore{
		log:   log.With().Str("component", "checkpoint").Logger(),
		cache: make(map[string]risk.Snapshot),
	}
	if !cfg.Enabled {
		s.log.Info().Msg("redis disabled, checkpoints are in-memory only")
		return s
	}

	s.client = redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.log.Warn().Err(err).Msg("redis unavailable at startup, using in-memory cache")
		s.available.Store(false)
	} else {
		s.log.Info().Str("addr", cfg.Address).Msg("redis connected")
		s.available.Store(true)
	}
	return s
}

func checkpointKey(accountID string) string {
	return fmt.Sprintf("%s:%s", checkpointKeyPrefix, accountID)
}

// Save persists one snapshot per account. The in-memory cache is
// always updated; Redis errors mark the backend unavailable and are
// returned so the caller can log them, but the cache write stands.
func (s *CheckpointStore) Save(ctx context.Context, snaps []risk.Snapshot) error {
	s.mu.Lock()
	for _, snap := range snaps {
		s.cache[snap.AccountID] = snap
	}
	s.mu.Unlock()

	if s.client == nil {
		return nil
	}

	pipe := s.client.TxPipeline()
	for _, snap := range snaps {
		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("marshal snapshot for %s: %w", snap.AccountID, err)
		}
		pipe.Set(ctx, checkpointKey(snap.AccountID), data, checkpointTTL)
		pipe.SAdd(ctx, checkpointSetKey, snap.AccountID)
	}
	pipe.Expire(ctx, checkpointSetKey, checkpointTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		s.available.Store(false)
		return fmt.Errorf("redis checkpoint write: %w", err)
	}
	s.available.Store(true)
	return nil
}

// Load returns every stored snapshot, preferring Redis and falling
// back to the in-memory cache. A fresh deployment returns an empty
// slice, not an error.
func (s *CheckpointStore) Load(ctx context.Context) ([]risk.Snapshot, error) {
	if s.client != nil {
		snaps, err := s.loadRedis(ctx)
		if err == nil {
			s.available.Store(true)
			return snaps, nil
		}
		s.available.Store(false)
		s.log.Warn().Err(err).Msg("redis checkpoint read failed, using in-memory cache")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]risk.Snapshot, 0, len(s.cache))
	for _, snap := range s.cache {
		out = append(out, snap)
	}
	return out, nil
}

func (s *CheckpointStore) loadRedis(ctx context.Context) ([]risk.Snapshot, error) {
	ids, err := s.client.SMembers(ctx, checkpointSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	out := make([]risk.Snapshot, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.Get(ctx, checkpointKey(id)).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read checkpoint %s: %w", id, err)
		}
		var snap risk.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			s.log.Error().Err(err).Str("account", id).Msg("corrupt checkpoint skipped")
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// Available reports whether the Redis backend answered the most
// recent operation. Exposed on the status API.
func (s *CheckpointStore) Available() bool {
	return s.client != nil && s.available.Load()
}

// Close releases the Redis connection.
func (s *CheckpointStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
