package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	alarmapp "scada-core/internal/alarms/application"
	alarms "scada-core/internal/alarms/domain"
	"scada-core/internal/logging"
)

// AlarmReader loads the current alarm state.
type AlarmReader interface {
	Get(ctx context.Context, id int64) (*alarms.Alarm, error)
}

// Clock provides time for scheduling.
type Clock interface {
	Now() time.Time
}

type sendRecord struct {
	at   time.Time
	hash string
}

// Notifier renders alarm events and sends them via a channel. Alarms still
// active after the escalation delay are announced again.
type Notifier struct {
	alarms         AlarmReader
	channel        Channel
	template       *Template
	escalation     time.Duration
	clock          Clock
	mu             sync.Mutex
	timers         map[int64]*time.Timer
	sent           map[string]sendRecord
	cooldown       time.Duration
	dedupeWindow   time.Duration
	requestTimeout time.Duration
	logger         zerolog.Logger
}

// Option configures the notifier.
type Option func(*Notifier)

// WithEscalation configures escalation delay.
func WithEscalation(after time.Duration) Option {
	return func(n *Notifier) {
		if after > 0 {
			n.escalation = after
		}
	}
}

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(n *Notifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithRequestTimeout overrides the default timeout for channel sends.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(n *Notifier) {
		if timeout > 0 {
			n.requestTimeout = timeout
		}
	}
}

// WithCooldown sets a minimum interval between notifications for the same alarm and event.
func WithCooldown(interval time.Duration) Option {
	return func(n *Notifier) {
		if interval > 0 {
			n.cooldown = interval
		}
	}
}

// WithDedupeWindow suppresses identical notifications within the window.
func WithDedupeWindow(window time.Duration) Option {
	return func(n *Notifier) {
		if window > 0 {
			n.dedupeWindow = window
		}
	}
}

// NewNotifier constructs an alarm notifier.
func NewNotifier(reader AlarmReader, channel Channel, template *Template, opts ...Option) (*Notifier, error) {
	if channel == nil {
		return nil, errors.New("alarm notifier: nil channel")
	}
	if template == nil {
		defaultTemplate, err := NewTemplate("")
		if err != nil {
			return nil, err
		}
		template = defaultTemplate
	}
	n := &Notifier{
		alarms:         reader,
		channel:        channel,
		template:       template,
		clock:          systemClock{},
		timers:         make(map[int64]*time.Timer),
		sent:           make(map[string]sendRecord),
		requestTimeout: 5 * time.Second,
		logger:         logging.With("alarm_notifier"),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Notify implements AlarmNotifier.
func (n *Notifier) Notify(ctx context.Context, event alarmapp.AlarmEvent) {
	if n == nil || n.channel == nil {
		return
	}
	n.dispatch(ctx, event.Type, event.Alarm)

	switch event.Type {
	case alarmapp.EventActivated, alarmapp.EventOscillating:
		n.scheduleEscalation(event.Alarm.ID)
	case alarmapp.EventTerminated:
		n.cancelEscalation(event.Alarm.ID)
	}
}

// Close stops all pending escalation timers.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.mu.Lock()
	timers := n.timers
	n.timers = make(map[int64]*time.Timer)
	n.mu.Unlock()
	for _, timer := range timers {
		if timer != nil {
			timer.Stop()
		}
	}
}

func (n *Notifier) dispatch(ctx context.Context, eventType string, alarm alarms.Alarm) {
	content, err := n.template.Render(buildTemplateData(eventType, alarm))
	if err != nil {
		n.logger.Error().Err(err).Int64("alarm_id", alarm.ID).Msg("render notification")
		return
	}
	if !n.shouldSend(alarm.ID, eventType, content) {
		return
	}
	if n.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.requestTimeout)
		defer cancel()
	}
	tags := map[string]string{
		"event":        eventType,
		"fault_family": alarm.FaultFamily,
		"fault_member": alarm.FaultMember,
	}
	if err := n.channel.Send(ctx, content, tags); err != nil {
		n.logger.Warn().Err(err).Int64("alarm_id", alarm.ID).Str("event", eventType).Msg("send notification")
		return
	}
	n.markSent(alarm.ID, eventType, content)
}

func (n *Notifier) scheduleEscalation(alarmID int64) {
	if n == nil || n.escalation <= 0 || n.alarms == nil {
		return
	}
	n.mu.Lock()
	if existing, ok := n.timers[alarmID]; ok && existing != nil {
		existing.Stop()
	}
	n.timers[alarmID] = time.AfterFunc(n.escalation, func() {
		n.runEscalation(alarmID)
	})
	n.mu.Unlock()
}

func (n *Notifier) cancelEscalation(alarmID int64) {
	if n == nil {
		return
	}
	n.mu.Lock()
	timer := n.timers[alarmID]
	delete(n.timers, alarmID)
	n.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}

func (n *Notifier) runEscalation(alarmID int64) {
	n.mu.Lock()
	delete(n.timers, alarmID)
	n.mu.Unlock()

	ctx := context.Background()
	alarm, err := n.alarms.Get(ctx, alarmID)
	if err != nil || alarm == nil || !alarm.Active {
		return
	}
	n.dispatch(ctx, "escalated", *alarm)
}

func buildTemplateData(eventType string, alarm alarms.Alarm) TemplateData {
	status := "inactive"
	switch {
	case alarm.Oscillating:
		status = "oscillating"
	case alarm.Active:
		status = "active"
	}
	sourceTime := ""
	if !alarm.SourceTimestamp.IsZero() {
		sourceTime = alarm.SourceTimestamp.UTC().Format(time.RFC3339)
	}
	return TemplateData{
		AlarmID:    alarm.ID,
		Fault:      alarm.Label(),
		TagID:      alarm.TagID,
		Condition:  alarm.Condition.String(),
		SourceTime: sourceTime,
		Status:     status,
		Info:       alarm.Info,
		Event:      eventType,
		EventLabel: eventLabel(eventType),
	}
}

func eventLabel(event string) string {
	switch event {
	case alarmapp.EventActivated:
		return "Activated"
	case alarmapp.EventTerminated:
		return "Terminated"
	case alarmapp.EventOscillating:
		return "Oscillating"
	case "escalated":
		return "Escalated"
	default:
		return event
	}
}

func (n *Notifier) shouldSend(alarmID int64, eventType, content string) bool {
	if n.cooldown <= 0 && n.dedupeWindow <= 0 {
		return true
	}
	key := notificationKey(alarmID, eventType)
	now := n.clock.Now().UTC()
	hash := hashContent(content)

	n.mu.Lock()
	record, ok := n.sent[key]
	n.mu.Unlock()
	if !ok {
		return true
	}
	if n.cooldown > 0 && now.Sub(record.at) < n.cooldown {
		return false
	}
	if n.dedupeWindow > 0 && record.hash == hash && now.Sub(record.at) < n.dedupeWindow {
		return false
	}
	return true
}

func (n *Notifier) markSent(alarmID int64, eventType, content string) {
	key := notificationKey(alarmID, eventType)
	n.mu.Lock()
	n.sent[key] = sendRecord{
		at:   n.clock.Now().UTC(),
		hash: hashContent(content),
	}
	n.mu.Unlock()
}

func notificationKey(alarmID int64, eventType string) string {
	return strconv.FormatInt(alarmID, 10) + "|" + eventType
}

func hashContent(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:8])
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
