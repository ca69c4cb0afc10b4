// Package pghistory is an EventHub subscriber that appends every event to a
// Postgres table, giving a host a durable execution history independent of
// the engine's own in-memory state. It is a pure observer: replaying this
// table is not how the engine recovers state, since durable checkpointing
// of in-flight executions is out of scope for the core.
package pghistory

import (
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/n8n-work/workflow-core/internal/events"
)

// Sink appends events to the event_history table.
type Sink struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// New connects to Postgres at databaseURL.
func New(databaseURL string, logger *zap.Logger) (*Sink, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Sink{db: db, logger: logger}, nil
}

const insertEvent = `
INSERT INTO event_history (execution_id, workflow_id, step_id, kind, occurred_at, payload)
VALUES ($1, $2, $3, $4, $5, $6)
`

// Handle is an events.Handler: attach it via engine.Subscribe(nil, sink.Handle).
func (s *Sink) Handle(ev events.Event) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		s.logger.Warn("failed to marshal event payload", zap.Error(err))
		return
	}

	_, err = s.db.Exec(insertEvent, ev.ExecutionID, ev.WorkflowID, nullableString(ev.StepID), string(ev.Kind), ev.Timestamp, payload)
	if err != nil {
		s.logger.Warn("failed to persist event", zap.String("execution_id", ev.ExecutionID), zap.Error(err))
	}
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Close closes the database connection.
func (s *Sink) Close() error {
	return s.db.Close()
}
