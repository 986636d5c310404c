// Package bus relays sync and awareness frames between hub instances hosting
// the same room over Redis pub/sub. Frames travel verbatim; each instance
// tags its envelopes with its own id so subscribers can drop their echo.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/tensorstudio/collab-hub/internal/v1/metrics"
)

// Frame kinds relayed between instances.
const (
	KindUpdate    = "update"
	KindAwareness = "awareness"
)

// Envelope is the standardized container for moving frames between
// instances.
type Envelope struct {
	RoomID     string `json:"roomId"`
	Kind       string `json:"kind"`       // "update" or "awareness"
	Frame      []byte `json:"frame"`      // the binary WebSocket frame, verbatim
	InstanceID string `json:"instanceId"` // CRITICAL: used to prevent echo (infinite loops)
}

// Service handles all interaction with the Redis cluster.
type Service struct {
	client     *redis.Client
	cb         *gobreaker.CircuitBreaker
	instanceID string
}

// NewService creates a robust Redis connection with an instance identity for
// echo suppression.
func NewService(addr, password string) (*Service, error) {
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

	// Ping to verify connection immediately
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis-bus",
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
			metrics.CircuitBreakerState.WithLabelValues("redis-bus").Set(stateVal)
		},
	}

	slog.Info("Connected to Redis pub/sub bus", "addr", addr)
	return &Service{
		client:     rdb,
		cb:         gobreaker.NewCircuitBreaker(st),
		instanceID: uuid.New().String(),
	}, nil
}

// NewServiceFromClient wraps an existing client; used by tests.
func NewServiceFromClient(client *redis.Client) *Service {
	return &Service{
		client:     client,
		cb:         gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "redis-bus"}),
		instanceID: uuid.New().String(),
	}
}

// InstanceID returns this instance's identity on the bus.
func (s *Service) InstanceID() string {
	if s == nil {
		return ""
	}
	return s.instanceID
}

func channelFor(roomID string) string {
	return fmt.Sprintf("collab:room:%s", roomID)
}

// Publish broadcasts a frame to every other instance watching this room.
func (s *Service) Publish(ctx context.Context, roomID string, kind string, frame []byte) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		data, err := json.Marshal(Envelope{
			RoomID:     roomID,
			Kind:       kind,
			Frame:      frame,
			InstanceID: s.instanceID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal bus envelope: %w", err)
		}
		return nil, s.client.Publish(ctx, channelFor(roomID), data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis-bus").Inc()
			slog.Warn("Redis Circuit Breaker Open: dropping publish", "roomID", roomID)
			return nil // Graceful degradation: drop frame, don't crash caller
		}
		slog.Error("Redis Publish Failed", "roomID", roomID, "error", err)
		return err
	}
	return nil
}

// Subscribe starts a background goroutine that delivers frames published by
// OTHER instances for this room. The returned cancel func stops the listener
// and is safe to call more than once.
func (s *Service) Subscribe(ctx context.Context, roomID string, handler func(kind string, frame []byte)) (cancel func()) {
	if s == nil || s.client == nil {
		return func() {} // Single-instance mode, no Redis available
	}

	subCtx, stop := context.WithCancel(ctx)
	pubsub := s.client.Subscribe(subCtx, channelFor(roomID))

	go func() {
		defer pubsub.Close()

		slog.Info("Subscribed to bus channel", "channel", channelFor(roomID))
		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("Bus subscription channel closed", "channel", channelFor(roomID))
					return
				}

				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					slog.Error("Failed to unmarshal bus envelope", "error", err)
					continue
				}
				if env.InstanceID == s.instanceID {
					continue // our own echo
				}
				handler(env.Kind, env.Frame)
			}
		}
	}()

	return stop
}

// Ping checks Redis connectivity; used by the readiness probe.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err != nil && err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("redis-bus").Inc()
	}
	return err
}

// Close gracefully shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode, no Redis available
	}
	return s.client.Close()
}
