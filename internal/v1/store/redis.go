package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/tensorstudio/collab-hub/internal/v1/metrics"
)

const (
	redisKeyPrefix = "collab:snapshot:"
	redisIndexKey  = "collab:snapshots"
)

// Redis persists snapshots as JSON records under collab:snapshot:<name>,
// with a set index for List. All calls run through a circuit breaker so a
// struggling Redis degrades to an empty store instead of stalling rooms.
type Redis struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewRedis connects to Redis and verifies connectivity before returning.
func NewRedis(addr, password string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis-snapshots",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis-snapshots").Set(stateVal)
		},
	}

	slog.Info("Connected to Redis snapshot store", "addr", addr)
	return &Redis{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// NewRedisFromClient wraps an existing client; used by tests.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{
		client: client,
		cb:     gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "redis-snapshots"}),
	}
}

// Load returns the snapshot bytes for a room, or (nil, nil) when none exists.
func (s *Redis) Load(ctx context.Context, name string) ([]byte, error) {
	res, err := s.cb.Execute(func() (interface{}, error) {
		raw, err := s.client.Get(ctx, redisKeyPrefix+name).Bytes()
		if err == redis.Nil {
			return nil, nil
		}
		return raw, err
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis-snapshots").Inc()
		}
		metrics.SnapshotOps.WithLabelValues("load", "error").Inc()
		return nil, fmt.Errorf("failed to load snapshot %q: %w", name, err)
	}
	if res == nil {
		metrics.SnapshotOps.WithLabelValues("load", "miss").Inc()
		return nil, nil
	}

	var rec Record
	if err := json.Unmarshal(res.([]byte), &rec); err != nil {
		metrics.SnapshotOps.WithLabelValues("load", "error").Inc()
		return nil, fmt.Errorf("failed to decode snapshot record %q: %w", name, err)
	}
	data, err := rec.Bytes()
	if err != nil {
		metrics.SnapshotOps.WithLabelValues("load", "error").Inc()
		return nil, fmt.Errorf("failed to decode snapshot payload %q: %w", name, err)
	}
	metrics.SnapshotOps.WithLabelValues("load", "ok").Inc()
	return data, nil
}

// Save writes the snapshot record and indexes the name.
func (s *Redis) Save(ctx context.Context, name string, data []byte) error {
	raw, err := json.Marshal(NewRecord(data))
	if err != nil {
		return fmt.Errorf("failed to encode snapshot record %q: %w", name, err)
	}

	_, err = s.cb.Execute(func() (interface{}, error) {
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, redisKeyPrefix+name, raw, 0)
		pipe.SAdd(ctx, redisIndexKey, name)
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis-snapshots").Inc()
		}
		metrics.SnapshotOps.WithLabelValues("save", "error").Inc()
		return fmt.Errorf("failed to save snapshot %q: %w", name, err)
	}
	metrics.SnapshotOps.WithLabelValues("save", "ok").Inc()
	return nil
}

// Delete removes a snapshot and its index entry.
func (s *Redis) Delete(ctx context.Context, name string) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, redisKeyPrefix+name)
		pipe.SRem(ctx, redisIndexKey, name)
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("failed to delete snapshot %q: %w", name, err)
	}
	return nil
}

// List returns every room name with a stored snapshot.
func (s *Redis) List(ctx context.Context) ([]string, error) {
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SMembers(ctx, redisIndexKey).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	return res.([]string), nil
}

// Ping checks Redis connectivity; used by the readiness probe.
func (s *Redis) Ping(ctx context.Context) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err != nil && err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("redis-snapshots").Inc()
	}
	return err
}

// Close shuts down the underlying client.
func (s *Redis) Close() error {
	return s.client.Close()
}
