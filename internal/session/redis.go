package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/JonMunkholm/pipeimport/internal/core"
)

const keyPrefix = "pipeimport:batch:"

// RedisStore keeps batches in Redis with a per-key TTL, so staged imports
// survive restarts and are shared between replicas.
type RedisStore struct {
	rdb *goredis.Client
	ttl time.Duration
}

var _ core.SessionStore = (*RedisStore)(nil)

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
	TTL         time.Duration
}

// NewRedisStore connects and pings Redis.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStoreFromClient(rdb, opts.TTL), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(rdb *goredis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func key(id uuid.UUID) string { return keyPrefix + id.String() }

func (r *RedisStore) Save(ctx context.Context, batch *core.ImportBatch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode batch %s: %w", batch.ID, err)
	}
	if err := r.rdb.Set(ctx, key(batch.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("save batch %s: %w", batch.ID, err)
	}
	return nil
}

func (r *RedisStore) Load(ctx context.Context, batchID uuid.UUID) (*core.ImportBatch, error) {
	data, err := r.rdb.Get(ctx, key(batchID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, core.ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load batch %s: %w", batchID, err)
	}

	var batch core.ImportBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("decode batch %s: %w", batchID, err)
	}
	return &batch, nil
}

func (r *RedisStore) Delete(ctx context.Context, batchID uuid.UUID) error {
	if err := r.rdb.Del(ctx, key(batchID)).Err(); err != nil {
		return fmt.Errorf("delete batch %s: %w", batchID, err)
	}
	return nil
}

// Ping reports whether Redis is reachable.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close releases the client.
func (r *RedisStore) Close() error {
	return r.rdb.Close()
}
