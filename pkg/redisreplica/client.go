// Package redisreplica keeps a Redis copy of the record -> entity index. It
// serves the stale-tolerant find fast path; the engine remains authoritative.
package redisreplica

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Config holds Redis connection configuration
type Config struct {
	Host      string
	Port      int
	Password  string
	DB        int
	RecordTTL time.Duration
}

// Client wraps the Redis client with the record index operations
type Client struct {
	rdb    *redis.Client
	logger ectologger.Logger
	ttl    time.Duration
}

// NewClient creates a new Redis replica client
func NewClient(cfg Config, logger ectologger.Logger) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	logger.Infof("Connected to Redis at %s", addr)

	return &Client{
		rdb:    rdb,
		logger: logger,
		ttl:    cfg.RecordTTL,
	}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks if Redis is reachable
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func recordKey(ref models.RecordRef) string {
	return fmt.Sprintf("fern:record:%s:%s", ref.SourceID, ref.LocalID)
}

// SetOwners repoints every record of the given entities at its entity id.
func (c *Client) SetOwners(ctx context.Context, entities []*models.MergedEntity) error {
	ctx, span := tracing.StartSpan(ctx, "redisreplica.Client.SetOwners")
	defer span.End()

	pipe := c.rdb.Pipeline()
	count := 0
	for _, entity := range entities {
		for _, rec := range entity.Records {
			pipe.Set(ctx, recordKey(rec.Ref()), entity.EntityID, c.ttl)
			count++
		}
	}
	if count == 0 {
		return nil
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to refresh record replica: %w", err)
	}

	c.logger.WithContext(ctx).WithFields(map[string]any{
		"record_count": count,
	}).Debug("Refreshed record replica")
	return nil
}

// Lookup returns the entity id owning the given record, or "" on a miss.
// The answer may lag the engine by one mutation cycle.
func (c *Client) Lookup(ctx context.Context, ref models.RecordRef) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "redisreplica.Client.Lookup")
	defer span.End()

	entityID, err := c.rdb.Get(ctx, recordKey(ref)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("failed to look up record replica: %w", err)
	}
	return entityID, nil
}
