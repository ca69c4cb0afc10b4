// Package amqpbridge is an EventHub subscriber that republishes every event
// onto an AMQP exchange, letting an external system (notification service,
// downstream orchestrator) observe execution lifecycle without being wired
// into the engine's process.
package amqpbridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/n8n-work/workflow-core/internal/events"
)

// Bridge republishes events onto a fixed AMQP exchange, routed by event
// kind.
type Bridge struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

// New dials url and declares exchange as a topic exchange.
func New(url, exchange string, logger *zap.Logger) (*Bridge, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to amqp broker: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &Bridge{conn: conn, channel: channel, exchange: exchange, logger: logger}, nil
}

// Handle is an events.Handler: attach it via engine.Subscribe(nil, bridge.Handle).
func (b *Bridge) Handle(ev events.Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("failed to marshal event for amqp bridge", zap.Error(err))
		return
	}

	err = b.channel.Publish(
		b.exchange,
		string(ev.Kind),
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
			Timestamp:   time.Now(),
		},
	)
	if err != nil {
		b.logger.Warn("failed to publish event to amqp", zap.String("execution_id", ev.ExecutionID), zap.Error(err))
	}
}

// Close releases the channel and connection.
func (b *Bridge) Close() error {
	if err := b.channel.Close(); err != nil {
		b.conn.Close()
		return err
	}
	return b.conn.Close()
}
