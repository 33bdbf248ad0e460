package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	alarmapp "scada-core/internal/alarms/application"
	alarms "scada-core/internal/alarms/domain"
)

type stubAlarmReader struct {
	mu    sync.Mutex
	alarm *alarms.Alarm
}

func (s *stubAlarmReader) Get(_ context.Context, _ int64) (*alarms.Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alarm.Clone(), nil
}

type captureChannel struct {
	mu    sync.Mutex
	sends []string
	tags  []map[string]string
}

func (c *captureChannel) Send(_ context.Context, content string, tags map[string]string) error {
	c.mu.Lock()
	c.sends = append(c.sends, content)
	c.tags = append(c.tags, tags)
	c.mu.Unlock()
	return nil
}

func (c *captureChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sends)
}

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

func sampleAlarm() alarms.Alarm {
	return alarms.Alarm{
		ID:              7,
		TagID:           42,
		FaultFamily:     "PUMP",
		FaultMember:     "P1",
		FaultCode:       3,
		Condition:       alarms.Condition{Operator: alarms.OperatorGreater, Threshold: 80},
		Active:          true,
		SourceTimestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestWebhookNotifierPayload(t *testing.T) {
	payloadCh := make(chan webhookPayload, 1)
	authCh := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var payload webhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		authCh <- r.Header.Get("Authorization")
		payloadCh <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	channel, err := NewWebhookChannel(server.URL, WithBearerToken("secret"))
	if err != nil {
		t.Fatalf("new webhook channel: %v", err)
	}
	notifier, err := NewNotifier(nil, channel, nil)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	notifier.Notify(context.Background(), alarmapp.AlarmEvent{Type: alarmapp.EventActivated, Alarm: sampleAlarm()})

	select {
	case payload := <-payloadCh:
		for _, want := range []string{"[Alarm Activated]", "PUMP:P1:3", "Tag: 42", "> 80", "2026-03-01T12:00:00Z", "Current Status: active"} {
			if !strings.Contains(payload.Text, want) {
				t.Fatalf("payload missing %q:\n%s", want, payload.Text)
			}
		}
		if payload.Tags["event"] != alarmapp.EventActivated {
			t.Fatalf("unexpected tags %v", payload.Tags)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not called")
	}
	if got := <-authCh; got != "Bearer secret" {
		t.Fatalf("unexpected authorization header %q", got)
	}
}

func TestWebhookChannelRejectsNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	channel, err := NewWebhookChannel(server.URL)
	if err != nil {
		t.Fatalf("new webhook channel: %v", err)
	}
	if err := channel.Send(context.Background(), "x", nil); err == nil {
		t.Fatal("expected error for 502")
	}
	if _, err := NewWebhookChannel(""); err == nil {
		t.Fatal("expected error for empty url")
	}
}

func TestNotifierCooldown(t *testing.T) {
	channel := &captureChannel{}
	clock := &fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	notifier, err := NewNotifier(nil, channel, nil, WithClock(clock), WithCooldown(time.Minute))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	event := alarmapp.AlarmEvent{Type: alarmapp.EventActivated, Alarm: sampleAlarm()}

	notifier.Notify(context.Background(), event)
	notifier.Notify(context.Background(), event)
	if channel.count() != 1 {
		t.Fatalf("expected 1 send within cooldown, got %d", channel.count())
	}
	clock.now = clock.now.Add(2 * time.Minute)
	notifier.Notify(context.Background(), event)
	if channel.count() != 2 {
		t.Fatalf("expected 2 sends after cooldown, got %d", channel.count())
	}
}

func TestNotifierEscalatesStillActiveAlarm(t *testing.T) {
	channel := &captureChannel{}
	alarm := sampleAlarm()
	reader := &stubAlarmReader{alarm: &alarm}
	notifier, err := NewNotifier(reader, channel, nil, WithEscalation(10*time.Millisecond))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	defer notifier.Close()

	notifier.Notify(context.Background(), alarmapp.AlarmEvent{Type: alarmapp.EventActivated, Alarm: alarm})
	deadline := time.Now().Add(2 * time.Second)
	for channel.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if channel.count() != 2 {
		t.Fatalf("expected escalation send, got %d sends", channel.count())
	}
	channel.mu.Lock()
	last := channel.sends[1]
	channel.mu.Unlock()
	if !strings.Contains(last, "[Alarm Escalated]") {
		t.Fatalf("unexpected escalation content:\n%s", last)
	}
}

func TestNotifierTerminationCancelsEscalation(t *testing.T) {
	channel := &captureChannel{}
	alarm := sampleAlarm()
	reader := &stubAlarmReader{alarm: &alarm}
	notifier, err := NewNotifier(reader, channel, nil, WithEscalation(50*time.Millisecond))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	defer notifier.Close()

	notifier.Notify(context.Background(), alarmapp.AlarmEvent{Type: alarmapp.EventActivated, Alarm: alarm})
	cleared := alarm
	cleared.Active = false
	notifier.Notify(context.Background(), alarmapp.AlarmEvent{Type: alarmapp.EventTerminated, Alarm: cleared})
	time.Sleep(150 * time.Millisecond)
	if channel.count() != 2 {
		t.Fatalf("expected no escalation after termination, got %d sends", channel.count())
	}
}

func TestDispatcherForwardsAsynchronously(t *testing.T) {
	channel := &captureChannel{}
	notifier, err := NewNotifier(nil, channel, nil)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	dispatcher, err := NewDispatcher(notifier, 4)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- dispatcher.Serve(ctx) }()

	dispatcher.Notify(ctx, alarmapp.AlarmEvent{Type: alarmapp.EventOscillating, Alarm: sampleAlarm()})
	deadline := time.Now().Add(2 * time.Second)
	for channel.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if channel.count() != 1 {
		t.Fatalf("expected forwarded event, got %d", channel.count())
	}
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	channel := &captureChannel{}
	notifier, _ := NewNotifier(nil, channel, nil)
	dispatcher, err := NewDispatcher(notifier, 1)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	event := alarmapp.AlarmEvent{Type: alarmapp.EventActivated, Alarm: sampleAlarm()}
	dispatcher.Notify(context.Background(), event)
	dispatcher.Notify(context.Background(), event)
	if len(dispatcher.queue) != 1 {
		t.Fatalf("expected queue length 1, got %d", len(dispatcher.queue))
	}
}
