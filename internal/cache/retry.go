package cache

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"scada-core/internal/logging"
	"scada-core/internal/observability/metrics"
)

// Retrier re-persists a spooled key.
type Retrier interface {
	Name() string
	RetryPersist(ctx context.Context, id int64) error
}

// RetryLoop drains the spool on a fixed interval. It implements suture.Service.
type RetryLoop struct {
	spool    Spool
	targets  []Retrier
	interval time.Duration
	logger   zerolog.Logger
}

// NewRetryLoop constructs a retry loop over the given caches.
func NewRetryLoop(spool Spool, interval time.Duration, targets ...Retrier) (*RetryLoop, error) {
	if spool == nil {
		return nil, errors.New("cache: nil spool")
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &RetryLoop{spool: spool, targets: targets, interval: interval, logger: logging.With("cache.retry")}, nil
}

// Serve runs until ctx is cancelled.
func (l *RetryLoop) Serve(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.RunOnce(ctx)
		}
	}
}

// RunOnce attempts every pending key once and returns how many were flushed.
func (l *RetryLoop) RunOnce(ctx context.Context) int {
	flushed := 0
	for _, target := range l.targets {
		ids, err := l.spool.Pending(target.Name())
		if err != nil {
			l.logger.Error().Err(err).Str("cache", target.Name()).Msg("list pending failed")
			continue
		}
		for _, id := range ids {
			if ctx.Err() != nil {
				return flushed
			}
			if err := target.RetryPersist(ctx, id); err != nil {
				metrics.IncSpool(target.Name(), "retry_failed")
				l.logger.Warn().Err(err).Str("cache", target.Name()).Int64("key", id).Msg("retry persist failed")
				continue
			}
			if err := l.spool.Ack(target.Name(), id); err != nil {
				l.logger.Error().Err(err).Str("cache", target.Name()).Int64("key", id).Msg("spool ack failed")
				continue
			}
			metrics.IncSpool(target.Name(), "flushed")
			flushed++
		}
	}
	return flushed
}

func (l *RetryLoop) String() string {
	return "cache-retry-loop"
}
