// Package redissnapshot is an EventHub subscriber that caches a point-in-time
// JSON snapshot of each execution's status in Redis, keyed by execution id.
// It observes the engine the same way any other subscriber does; it is not
// consulted by the scheduler and holds no authority over execution state.
package redissnapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/n8n-work/workflow-core/internal/events"
)

// Sink writes one Redis key per execution, overwritten on every event and
// expiring after TTL so stale executions fall out of the cache on their
// own.
type Sink struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// New connects to Redis at addr and returns a Sink, or an error if the
// initial ping fails.
func New(addr, password string, db int, ttl time.Duration, logger *zap.Logger) (*Sink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Sink{client: client, logger: logger, ttl: ttl}, nil
}

type snapshot struct {
	ExecutionID string                 `json:"executionId"`
	WorkflowID  string                 `json:"workflowId"`
	Kind        events.Kind            `json:"kind"`
	StepID      string                 `json:"stepId,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}

// Handle is an events.Handler: attach it via engine.Subscribe(nil, sink.Handle).
func (s *Sink) Handle(ev events.Event) {
	snap := snapshot{
		ExecutionID: ev.ExecutionID,
		WorkflowID:  ev.WorkflowID,
		Kind:        ev.Kind,
		StepID:      ev.StepID,
		Timestamp:   ev.Timestamp,
		Payload:     ev.Payload,
	}

	data, err := json.Marshal(snap)
	if err != nil {
		s.logger.Warn("failed to marshal execution snapshot", zap.Error(err))
		return
	}

	key := "execution:" + ev.ExecutionID
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		s.logger.Warn("failed to write execution snapshot", zap.String("execution_id", ev.ExecutionID), zap.Error(err))
	}
}

// Close releases the underlying Redis connection.
func (s *Sink) Close() error {
	return s.client.Close()
}
