package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/vibecoder-lab/game-seeker-vault/internal/catalog"
	"github.com/vibecoder-lab/game-seeker-vault/internal/logger"
)

const (
	idMapKey = "id-map"
	gamesKey = "games-data"
)

// RedisStore persists the catalog to a remote key/value server. Writes
// are mirrored to a local store so the data directory stays inspectable.
type RedisStore struct {
	rdb       redis.Cmdable
	namespace string
	mirror    *LocalStore
}

// NewRedisStore wraps a redis client. namespace, when non-empty, prefixes
// both keys; mirror may be nil to skip local mirroring.
func NewRedisStore(rdb redis.Cmdable, namespace string, mirror *LocalStore) *RedisStore {
	return &RedisStore{rdb: rdb, namespace: namespace, mirror: mirror}
}

func (s *RedisStore) key(name string) string {
	if s.namespace == "" {
		return name
	}
	return s.namespace + ":" + name
}

// GetIDMap fetches the id-map key; a missing key is an empty map.
func (s *RedisStore) GetIDMap(ctx context.Context) ([]catalog.IDMapEntry, error) {
	raw, err := s.rdb.Get(ctx, s.key(idMapKey)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			logger.Info("STORE", "no id-map key yet, starting empty")
			return nil, nil
		}
		return nil, fmt.Errorf("kv get id-map: %w", err)
	}
	var entries []catalog.IDMapEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode id-map: %w", err)
	}
	logger.Info("STORE", fmt.Sprintf("fetched id-map from KV (%d items)", len(entries)))
	return entries, nil
}

// PutIDMap writes the id-map key and mirrors it locally.
func (s *RedisStore) PutIDMap(ctx context.Context, entries []catalog.IDMapEntry) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.key(idMapKey), raw, 0).Err(); err != nil {
		return fmt.Errorf("kv put id-map: %w", err)
	}
	logger.Info("STORE", fmt.Sprintf("saved id-map to KV (%d items)", len(entries)))
	if s.mirror != nil {
		return s.mirror.PutIDMap(ctx, entries)
	}
	return nil
}

// GetGames fetches the games-data key, tolerating both layouts.
func (s *RedisStore) GetGames(ctx context.Context) ([]catalog.GameRecord, error) {
	raw, err := s.rdb.Get(ctx, s.key(gamesKey)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			logger.Info("STORE", "no games-data key yet, starting empty")
			return nil, nil
		}
		return nil, fmt.Errorf("kv get games-data: %w", err)
	}
	games, err := catalog.DecodeGames(raw)
	if err != nil {
		return nil, err
	}
	logger.Info("STORE", fmt.Sprintf("fetched games-data from KV (%d items)", len(games)))
	return games, nil
}

// PutGames writes a fresh envelope to the games-data key and mirrors it.
func (s *RedisStore) PutGames(ctx context.Context, games []catalog.GameRecord, preserveTimestamp bool) error {
	lastUpdated := ""
	if preserveTimestamp {
		if raw, err := s.rdb.Get(ctx, s.key(gamesKey)).Bytes(); err == nil {
			if meta, ok := catalog.DecodeMeta(raw); ok {
				lastUpdated = meta.LastUpdated
				logger.Info("STORE", "preserving existing timestamp: "+lastUpdated)
			}
		}
	}
	env := catalog.NewEnvelope(games, lastUpdated)
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.key(gamesKey), raw, 0).Err(); err != nil {
		return fmt.Errorf("kv put games-data: %w", err)
	}
	logger.Info("STORE", fmt.Sprintf("saved games-data to KV (%d items)", len(games)))
	if s.mirror != nil {
		return s.mirror.PutGames(ctx, games, preserveTimestamp)
	}
	return nil
}

// Backup snapshots the local mirror when one exists. The remote side
// keeps no history of its own.
func (s *RedisStore) Backup(ctx context.Context) (string, error) {
	if s.mirror == nil {
		return "", nil
	}
	return s.mirror.Backup(ctx)
}
