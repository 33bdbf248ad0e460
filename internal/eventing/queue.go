package eventing

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"scada-core/internal/logging"
	"scada-core/internal/observability/metrics"
)

// Sink delivers an envelope to the outside world.
type Sink interface {
	Publish(ctx context.Context, env Envelope) error
}

// DLQStore records envelopes that could not be delivered.
type DLQStore interface {
	RecordFailure(ctx context.Context, env Envelope, err error) error
}

// Queue decouples cache listeners from delivery. Enqueue never blocks; a
// single goroutine delivers in order, retrying each envelope a few times
// before handing it to the dead letter store.
type Queue struct {
	sink     Sink
	dlq      DLQStore
	envs     chan Envelope
	attempts int
	backoff  time.Duration
	logger   zerolog.Logger
}

// QueueOption customizes the queue.
type QueueOption func(*Queue)

// WithDLQ assigns a dead letter store.
func WithDLQ(dlq DLQStore) QueueOption {
	return func(q *Queue) {
		q.dlq = dlq
	}
}

// WithRetry sets delivery attempts and the pause between them.
func WithRetry(attempts int, backoff time.Duration) QueueOption {
	return func(q *Queue) {
		if attempts > 0 {
			q.attempts = attempts
		}
		if backoff >= 0 {
			q.backoff = backoff
		}
	}
}

// NewQueue builds a queue holding at most size pending envelopes.
func NewQueue(sink Sink, size int, opts ...QueueOption) (*Queue, error) {
	if sink == nil {
		return nil, errors.New("eventing: nil sink")
	}
	if size <= 0 {
		size = 1024
	}
	q := &Queue{
		sink:     sink,
		envs:     make(chan Envelope, size),
		attempts: 3,
		backoff:  time.Second,
		logger:   logging.With("eventing"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q, nil
}

// Enqueue adds env, dropping it when the queue is full.
func (q *Queue) Enqueue(env Envelope) bool {
	select {
	case q.envs <- env:
		return true
	default:
		metrics.IncEventPublish(env.EventType, "dropped")
		q.logger.Warn().Str("event_type", env.EventType).Str("event_id", env.EventID).Msg("event queue full, dropping event")
		return false
	}
}

// Publish builds an envelope from ctx and enqueues it.
func (q *Queue) Publish(ctx context.Context, eventType string, event any) error {
	env, err := BuildEnvelope(eventType, event, MetaFromContext(ctx))
	if err != nil {
		return err
	}
	q.Enqueue(env)
	return nil
}

// Pending returns the number of queued envelopes.
func (q *Queue) Pending() int {
	return len(q.envs)
}

// Serve delivers envelopes until ctx is done.
func (q *Queue) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-q.envs:
			q.deliver(ctx, env)
		}
	}
}

func (q *Queue) String() string {
	return "event-queue"
}

func (q *Queue) deliver(ctx context.Context, env Envelope) {
	var err error
	for attempt := 1; attempt <= q.attempts; attempt++ {
		if err = q.sink.Publish(ctx, env); err == nil {
			metrics.IncEventPublish(env.EventType, "sent")
			return
		}
		if attempt == q.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.backoff):
		}
	}
	metrics.IncEventPublish(env.EventType, "failed")
	q.logger.Error().Err(err).Str("event_type", env.EventType).Str("event_id", env.EventID).Msg("event delivery failed")
	if q.dlq != nil {
		if dErr := q.dlq.RecordFailure(context.WithoutCancel(ctx), env, err); dErr != nil {
			q.logger.Error().Err(dErr).Str("event_id", env.EventID).Msg("dead letter write failed")
		}
	}
}
