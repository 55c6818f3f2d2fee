// Package cache decorates a storage gateway with a Redis read-through cache
// for rows selected by primary key. Writes invalidate the cached row once
// they are committed.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/conduit-lang/persist/internal/orm/schema"
	"github.com/conduit-lang/persist/internal/orm/storage"
)

// Config holds Redis and caching configuration
type Config struct {
	// Addr is the Redis server address (host:port)
	Addr string
	// Password is the Redis password (optional)
	Password string
	// DB is the Redis database number
	DB int
	// TTL bounds how long a cached row is served
	TTL time.Duration
	// Prefix namespaces every key
	Prefix string
}

// DefaultConfig returns a default cache configuration
func DefaultConfig() Config {
	return Config{
		Addr:   "localhost:6379",
		TTL:    5 * time.Minute,
		Prefix: "persist:",
	}
}

// Stats counts cache lookups
type Stats struct {
	Hits   int64
	Misses int64
}

// Gateway caches SelectByKey results in front of another gateway
type Gateway struct {
	next   storage.Gateway
	client *redis.Client
	config Config
	logger *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// New wraps next with a cache backed by an existing client
func New(next storage.Gateway, client *redis.Client, config Config, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.TTL == 0 {
		config.TTL = DefaultConfig().TTL
	}
	return &Gateway{next: next, client: client, config: config, logger: logger}
}

// Dial connects to Redis and wraps next
func Dial(next storage.Gateway, config Config, logger *zap.Logger) (*Gateway, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Addr, err)
	}

	return New(next, client, config, logger), nil
}

// Stats returns hit and miss counts
func (g *Gateway) Stats() Stats {
	return Stats{Hits: g.hits.Load(), Misses: g.misses.Load()}
}

// Close closes the Redis connection
func (g *Gateway) Close() error {
	return g.client.Close()
}

// Clear removes every cached row under the prefix
func (g *Gateway) Clear(ctx context.Context) error {
	iter := g.client.Scan(ctx, 0, g.config.Prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := g.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (g *Gateway) key(desc *schema.EntityDescriptor, key interface{}) (string, error) {
	canonical, err := desc.CoerceKey(key)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%s:%v", g.config.Prefix, desc.Name, canonical), nil
}

// SelectByKey serves the row from Redis when present and populates it on a
// miss. Redis failures fall back to the wrapped gateway.
func (g *Gateway) SelectByKey(ctx context.Context, desc *schema.EntityDescriptor, key interface{}) (storage.Row, error) {
	cacheKey, err := g.key(desc, key)
	if err != nil {
		return nil, &storage.StorageError{Op: "select", Entity: desc.Name, Cause: err}
	}

	data, err := g.client.Get(ctx, cacheKey).Bytes()
	switch {
	case err == nil:
		row, decodeErr := decode(desc, data)
		if decodeErr == nil {
			g.hits.Add(1)
			return row, nil
		}
		g.logger.Warn("discarding undecodable cache entry", zap.String("key", cacheKey), zap.Error(decodeErr))
	case errors.Is(err, redis.Nil):
	default:
		g.logger.Warn("cache read failed", zap.String("key", cacheKey), zap.Error(err))
	}
	g.misses.Add(1)

	row, err := g.next.SelectByKey(ctx, desc, key)
	if err != nil || row == nil {
		return row, err
	}

	if encoded, err := json.Marshal(row); err != nil {
		g.logger.Warn("cache encode failed", zap.String("key", cacheKey), zap.Error(err))
	} else if err := g.client.Set(ctx, cacheKey, encoded, g.config.TTL).Err(); err != nil {
		g.logger.Warn("cache write failed", zap.String("key", cacheKey), zap.Error(err))
	}
	return row, nil
}

// SelectByForeignKey is not cached
func (g *Gateway) SelectByForeignKey(ctx context.Context, desc *schema.EntityDescriptor, column string, key interface{}) ([]storage.Row, error) {
	return g.next.SelectByForeignKey(ctx, desc, column, key)
}

// Insert passes through; a new row has nothing cached yet
func (g *Gateway) Insert(ctx context.Context, desc *schema.EntityDescriptor, values storage.Row) (interface{}, error) {
	return g.next.Insert(ctx, desc, values)
}

// Update writes through and invalidates the row
func (g *Gateway) Update(ctx context.Context, desc *schema.EntityDescriptor, key interface{}, changed storage.Row) error {
	if err := g.next.Update(ctx, desc, key, changed); err != nil {
		return err
	}
	g.invalidate(ctx, desc, key)
	return nil
}

// Delete writes through and invalidates the row
func (g *Gateway) Delete(ctx context.Context, desc *schema.EntityDescriptor, key interface{}) error {
	if err := g.next.Delete(ctx, desc, key); err != nil {
		return err
	}
	g.invalidate(ctx, desc, key)
	return nil
}

func (g *Gateway) invalidate(ctx context.Context, desc *schema.EntityDescriptor, key interface{}) {
	cacheKey, err := g.key(desc, key)
	if err != nil {
		return
	}
	if err := g.client.Del(ctx, cacheKey).Err(); err != nil {
		g.logger.Warn("cache invalidation failed", zap.String("key", cacheKey), zap.Error(err))
	}
}

// Begin starts a transaction on the wrapped gateway. Reads inside it bypass
// the cache and written rows are invalidated after commit.
func (g *Gateway) Begin(ctx context.Context) (storage.Tx, error) {
	inner, err := g.next.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &tx{Tx: inner, gateway: g, ctx: ctx}, nil
}

type pending struct {
	desc *schema.EntityDescriptor
	key  interface{}
}

type tx struct {
	storage.Tx
	gateway *Gateway
	ctx     context.Context
	written []pending
}

func (t *tx) Update(ctx context.Context, desc *schema.EntityDescriptor, key interface{}, changed storage.Row) error {
	if err := t.Tx.Update(ctx, desc, key, changed); err != nil {
		return err
	}
	t.written = append(t.written, pending{desc: desc, key: key})
	return nil
}

func (t *tx) Delete(ctx context.Context, desc *schema.EntityDescriptor, key interface{}) error {
	if err := t.Tx.Delete(ctx, desc, key); err != nil {
		return err
	}
	t.written = append(t.written, pending{desc: desc, key: key})
	return nil
}

func (t *tx) Commit() error {
	if err := t.Tx.Commit(); err != nil {
		return err
	}
	for _, p := range t.written {
		t.gateway.invalidate(context.WithoutCancel(t.ctx), p.desc, p.key)
	}
	t.written = nil
	return nil
}

// decode restores canonical values from the JSON form of a row
func decode(desc *schema.EntityDescriptor, data []byte) (storage.Row, error) {
	var raw map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}

	row := make(storage.Row, len(raw))
	for col, v := range raw {
		if field, ok := desc.FieldByColumn(col); ok {
			coerced, err := field.Type.Coerce(v)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", col, err)
			}
			row[col] = coerced
			continue
		}
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				v = i
			} else if f, err := n.Float64(); err == nil {
				v = f
			}
		}
		row[col] = v
	}
	return row, nil
}
