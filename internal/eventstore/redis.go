package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lvonguyen/agentguard/internal/config"
	"github.com/lvonguyen/agentguard/internal/correlation"
)

// eventsKey is the sorted set holding all events, scored by unix nanos.
const eventsKey = "agentguard:events"

// Redis is a Redis-backed event store using a sorted set as the time index.
type Redis struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedis connects a Redis-backed store. The password is read from the
// environment variable named in the config, never from the file itself.
func NewRedis(cfg config.RedisConfig) (*Redis, error) {
	password := ""
	if cfg.PasswordEnv != "" {
		password = os.Getenv(cfg.PasswordEnv)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Redis{client: client, retention: cfg.Retention.Std()}, nil
}

// Append adds one event, keyed by its timestamp, and opportunistically
// trims entries past the retention horizon.
func (r *Redis) Append(ctx context.Context, event *correlation.LayerEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, eventsKey, redis.Z{
		Score:  float64(event.Timestamp.UnixNano()),
		Member: data,
	})
	if r.retention > 0 {
		cutoff := time.Now().Add(-r.retention).UnixNano()
		pipe.ZRemRangeByScore(ctx, eventsKey, "-inf", strconv.FormatInt(cutoff, 10))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	return nil
}

// Window returns events with from <= timestamp <= to in timestamp order.
func (r *Redis) Window(ctx context.Context, from, to time.Time) ([]*correlation.LayerEvent, error) {
	members, err := r.client.ZRangeByScore(ctx, eventsKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(from.UnixNano(), 10),
		Max: strconv.FormatInt(to.UnixNano(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("window query: %w", err)
	}

	events := make([]*correlation.LayerEvent, 0, len(members))
	for _, member := range members {
		var ev correlation.LayerEvent
		if err := json.Unmarshal([]byte(member), &ev); err != nil {
			// A corrupt member degrades the query, not the store.
			continue
		}
		events = append(events, &ev)
	}
	return events, nil
}

// Prune drops events older than the cutoff.
func (r *Redis) Prune(ctx context.Context, before time.Time) (int, error) {
	n, err := r.client.ZRemRangeByScore(ctx, eventsKey, "-inf",
		strconv.FormatInt(before.UnixNano()-1, 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("pruning events: %w", err)
	}
	return int(n), nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
