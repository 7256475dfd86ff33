package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"market-relay/src/logger"
	"market-relay/src/models"

	"github.com/redis/go-redis/v9"
)

const scanCount = 200

// -----------------------------------------------------------------------------

// RedisCache mirrors the latest snapshot per symbol under prefix+SYMBOL as
// JSON. Keys expire after ttl so symbols nobody watches age out.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	Logger *logger.Logger
}

// -----------------------------------------------------------------------------

// New connects and pings the server; an unreachable cache is a startup error.
func New(cfg models.MCacheConfig, l *logger.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}

	l.Info("Connected to Redis at %s (db %d)", cfg.Addr, cfg.DB)
	return NewWithClient(client, cfg.Prefix, time.Duration(cfg.TTLSeconds)*time.Second, l), nil
}

func NewWithClient(client redis.UniversalClient, prefix string, ttl time.Duration, l *logger.Logger) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, ttl: ttl, Logger: l}
}

// -----------------------------------------------------------------------------

func (c *RedisCache) key(symbol string) string {
	return c.prefix + symbol
}

// -----------------------------------------------------------------------------

// SaveSnapshots writes the batch in one pipeline.
func (c *RedisCache) SaveSnapshots(ctx context.Context, snapshots []models.MSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	for _, s := range snapshots {
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("failed to marshal snapshot %s: %w", s.Symbol, err)
		}
		pipe.Set(ctx, c.key(s.Symbol), data, c.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write snapshots to redis: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------

// LoadSnapshots scans every mirrored key. Entries that expire between SCAN
// and GET are skipped.
func (c *RedisCache) LoadSnapshots(ctx context.Context) ([]models.MSnapshot, error) {
	var snaps []models.MSnapshot

	iter := c.client.Scan(ctx, 0, c.prefix+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		data, err := c.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, fmt.Errorf("failed to get snapshot from redis: %w", err)
		}

		snap, err := decodeSnapshot(strings.TrimPrefix(iter.Val(), c.prefix), data)
		if err != nil {
			c.Logger.Warning("Skipping unreadable cache entry %s: %v", iter.Val(), err)
			continue
		}
		snaps = append(snaps, snap)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan redis: %w", err)
	}
	return snaps, nil
}

func decodeSnapshot(symbol string, data []byte) (models.MSnapshot, error) {
	var snap models.MSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, err
	}
	if snap.Symbol == "" {
		snap.Symbol = symbol
	}
	if snap.Symbol != symbol {
		return snap, fmt.Errorf("key symbol %s holds snapshot for %s", symbol, snap.Symbol)
	}
	return snap, nil
}

// -----------------------------------------------------------------------------

func (c *RedisCache) Close() error {
	return c.client.Close()
}
