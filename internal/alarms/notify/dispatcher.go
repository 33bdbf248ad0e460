package notify

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	alarmapp "scada-core/internal/alarms/application"
	"scada-core/internal/logging"
	"scada-core/internal/observability/metrics"
)

const defaultQueueSize = 1024

// Dispatcher decouples cache listeners from notification I/O. Notify only
// enqueues; Serve drains the queue into the wrapped notifier. Events are
// dropped when the queue is full.
type Dispatcher struct {
	next   alarmapp.AlarmNotifier
	queue  chan alarmapp.AlarmEvent
	logger zerolog.Logger
}

// NewDispatcher constructs a dispatcher with the given queue size.
func NewDispatcher(next alarmapp.AlarmNotifier, size int) (*Dispatcher, error) {
	if next == nil {
		return nil, errors.New("alarm dispatcher: nil notifier")
	}
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Dispatcher{
		next:   next,
		queue:  make(chan alarmapp.AlarmEvent, size),
		logger: logging.With("alarm_dispatcher"),
	}, nil
}

// Notify implements AlarmNotifier without blocking.
func (d *Dispatcher) Notify(_ context.Context, event alarmapp.AlarmEvent) {
	select {
	case d.queue <- event:
	default:
		metrics.IncAlarmEvent("dropped")
		d.logger.Warn().Int64("alarm_id", event.Alarm.ID).Str("event", event.Type).Msg("notification queue full, event dropped")
	}
}

// Serve forwards queued events until ctx is done.
func (d *Dispatcher) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-d.queue:
			d.next.Notify(ctx, event)
		}
	}
}

func (d *Dispatcher) String() string {
	return "alarm-dispatcher"
}
