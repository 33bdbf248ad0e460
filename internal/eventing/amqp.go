package eventing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"scada-core/internal/logging"
)

// AMQPSink publishes envelopes on a topic exchange, routed by event type.
// The connection is opened lazily and reopened after a publish failure.
type AMQPSink struct {
	url      string
	exchange string
	logger   zerolog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPSink builds a sink for url and exchange.
func NewAMQPSink(url, exchange string) (*AMQPSink, error) {
	if url == "" {
		return nil, errors.New("eventing: empty amqp url")
	}
	if exchange == "" {
		return nil, errors.New("eventing: empty exchange")
	}
	return &AMQPSink{url: url, exchange: exchange, logger: logging.With("amqp")}, nil
}

func (s *AMQPSink) connectLocked() error {
	conn, err := amqp.Dial(s.url)
	if err != nil {
		return fmt.Errorf("eventing: dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("eventing: open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		s.exchange, // name
		"topic",    // kind
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("eventing: declare exchange %s: %w", s.exchange, err)
	}
	s.conn, s.ch = conn, ch
	s.logger.Info().Str("exchange", s.exchange).Msg("connected to amqp broker")
	return nil
}

func (s *AMQPSink) closeLocked() {
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn, s.ch = nil, nil
}

// Publish sends env as a persistent JSON message.
func (s *AMQPSink) Publish(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		if err := s.connectLocked(); err != nil {
			return err
		}
	}
	err = s.ch.Publish(
		s.exchange,    // exchange
		env.EventType, // routing key
		false,         // mandatory
		false,         // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     env.EventID,
			CorrelationId: env.CorrelationID,
			Timestamp:     env.OccurredAt,
			Type:          env.EventType,
			Body:          body,
		},
	)
	if err != nil {
		s.logger.Warn().Err(err).Msg("amqp publish failed, reconnecting on next event")
		s.closeLocked()
		return fmt.Errorf("eventing: publish %s: %w", env.EventType, err)
	}
	return nil
}

// Close shuts the connection.
func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

// LogSink writes envelopes to the log. It stands in for a broker when none
// is configured.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink builds a log sink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Publish logs env.
func (s *LogSink) Publish(_ context.Context, env Envelope) error {
	s.logger.Info().
		Str("event_type", env.EventType).
		Str("event_id", env.EventID).
		Str("source", env.Source).
		RawJSON("payload", env.Payload).
		Msg("event")
	return nil
}
