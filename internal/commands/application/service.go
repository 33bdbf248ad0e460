package application

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	commandsevents "scada-core/internal/commands/application/events"
	commands "scada-core/internal/commands/domain"
	"scada-core/internal/daq"
	"scada-core/internal/logging"
	"scada-core/internal/observability/metrics"
	supervision "scada-core/internal/supervision/domain"
	tags "scada-core/internal/tags/domain"
)

var (
	// ErrNotControlTag rejects commands on data tags.
	ErrNotControlTag = errors.New("commands: tag is not a control tag")
	// ErrProcessDown rejects commands while the owning process is not running.
	ErrProcessDown = errors.New("commands: process not running")
	// ErrNotFound reports an unknown command id.
	ErrNotFound = errors.New("commands: command not found")
)

// IssueRequest represents a command issue request.
type IssueRequest struct {
	ControlTagID   int64           `json:"control_tag_id"`
	Value          json.RawMessage `json:"value"`
	IdempotencyKey string          `json:"idempotency_key"`
	Actor          string          `json:"-"`
}

// ControlTags reads tag configuration.
type ControlTags interface {
	Get(ctx context.Context, id int64) (*tags.DataTag, error)
}

// Processes reads supervised processes.
type Processes interface {
	Get(ctx context.Context, id int64) (*supervision.Supervised, error)
}

// Executor sends a command to an acquisition process.
type Executor interface {
	ExecuteCommand(ctx context.Context, processName string, cmd daq.CommandRequest) (daq.CommandReport, error)
}

// EventPublisher publishes command events.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, event any) error
}

// Service issues commands and keeps their recent history.
type Service struct {
	tags           ControlTags
	processes      Processes
	executor       Executor
	publisher      EventPublisher
	history        *history
	idempotencyTTL time.Duration
	now            func() time.Time
	logger         zerolog.Logger
}

// Option customizes the service.
type Option func(*Service)

// WithPublisher assigns an event publisher.
func WithPublisher(p EventPublisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithHistorySize bounds the in-memory command history.
func WithHistorySize(n int) Option {
	return func(s *Service) {
		s.history = newHistory(n)
	}
}

// NewService constructs a command service.
func NewService(controlTags ControlTags, processes Processes, executor Executor, opts ...Option) (*Service, error) {
	if controlTags == nil {
		return nil, errors.New("commands: nil tags")
	}
	if processes == nil {
		return nil, errors.New("commands: nil processes")
	}
	if executor == nil {
		return nil, errors.New("commands: nil executor")
	}
	s := &Service{
		tags:           controlTags,
		processes:      processes,
		executor:       executor,
		history:        newHistory(0),
		idempotencyTTL: 10 * time.Minute,
		now:            func() time.Time { return time.Now().UTC() },
		logger:         logging.With("commands"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// IssueCommand sends a command and waits for the process report. A refused
// or unanswered command is returned with a failed or timeout status, not an
// error.
func (s *Service) IssueCommand(ctx context.Context, req IssueRequest) (*commands.Command, error) {
	if err := validateIssue(req); err != nil {
		return nil, err
	}
	idempotencyKey := req.IdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey = buildIdempotencyKey(req.ControlTagID, req.Value)
	}
	now := s.now()
	if existing, ok := s.history.findByKey(idempotencyKey, now.Add(-s.idempotencyTTL)); ok {
		return &existing, nil
	}

	tag, err := s.tags.Get(ctx, req.ControlTagID)
	if err != nil {
		return nil, err
	}
	if !tag.Control {
		return nil, fmt.Errorf("%w: %d", ErrNotControlTag, tag.ID)
	}
	process, err := s.processes.Get(ctx, tag.ProcessID)
	if err != nil {
		return nil, fmt.Errorf("commands: process of tag %d: %w", tag.ID, err)
	}
	if !process.IsRunning() {
		return nil, fmt.Errorf("%w: %s is %s", ErrProcessDown, process.Name, process.Status)
	}
	var value any
	if err := json.Unmarshal(req.Value, &value); err != nil {
		return nil, fmt.Errorf("commands: invalid value: %w", err)
	}

	cmd := commands.Command{
		CommandID:      "cmd-" + uuid.NewString(),
		ControlTagID:   tag.ID,
		ProcessID:      process.ID,
		ProcessName:    process.Name,
		Value:          value,
		IdempotencyKey: idempotencyKey,
		Actor:          req.Actor,
		Status:         commands.StatusSent,
		CreatedAt:      now,
		SentAt:         now,
	}
	s.history.put(cmd)
	s.publish(ctx, commandsevents.TypeCommandIssued, commandsevents.CommandIssued{
		CommandID:    cmd.CommandID,
		ControlTagID: cmd.ControlTagID,
		ProcessName:  cmd.ProcessName,
		Value:        value,
		Actor:        cmd.Actor,
		OccurredAt:   now,
	})

	report, err := s.executor.ExecuteCommand(ctx, process.Name, daq.CommandRequest{
		CommandID:    cmd.CommandID,
		ControlTagID: cmd.ControlTagID,
		Value:        value,
	})
	finished := s.now()
	switch {
	case errors.Is(err, daq.ErrNotResponding):
		cmd.Status = commands.StatusTimeout
		cmd.Error = err.Error()
	case err != nil:
		cmd.Status = commands.StatusFailed
		cmd.Error = err.Error()
	case report.Status != daq.StatusOK:
		cmd.Status = commands.StatusFailed
		cmd.Error = report.Message
		if cmd.Error == "" {
			cmd.Error = "process reported " + report.Status
		}
	default:
		cmd.Status = commands.StatusAcked
		cmd.AckedAt = finished
		cmd.ReturnValue = report.ReturnValue
	}
	s.history.put(cmd)
	metrics.IncCommand(cmd.Status)

	if cmd.Status == commands.StatusAcked {
		s.publish(ctx, commandsevents.TypeCommandAcked, commandsevents.CommandAcked{
			CommandID:    cmd.CommandID,
			ControlTagID: cmd.ControlTagID,
			ReturnValue:  cmd.ReturnValue,
			OccurredAt:   finished,
		})
	} else {
		s.logger.Warn().Str("command", cmd.CommandID).Int64("tag", cmd.ControlTagID).Str("status", cmd.Status).Str("error", cmd.Error).Msg("command not executed")
		s.publish(ctx, commandsevents.TypeCommandFailed, commandsevents.CommandFailed{
			CommandID:    cmd.CommandID,
			ControlTagID: cmd.ControlTagID,
			Status:       cmd.Status,
			Error:        cmd.Error,
			OccurredAt:   finished,
		})
	}
	return &cmd, nil
}

// GetCommand returns a command from the history.
func (s *Service) GetCommand(_ context.Context, id string) (*commands.Command, error) {
	cmd, ok := s.history.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &cmd, nil
}

// ListCommands returns commands created in [from, to), optionally for one
// control tag.
func (s *Service) ListCommands(_ context.Context, controlTagID int64, from, to time.Time) ([]commands.Command, error) {
	if !to.After(from) {
		return nil, errors.New("commands: to must be after from")
	}
	return s.history.list(controlTagID, from.UTC(), to.UTC()), nil
}

func (s *Service) publish(ctx context.Context, eventType string, event any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, eventType, event); err != nil {
		s.logger.Warn().Err(err).Str("event_type", eventType).Msg("command event not published")
	}
}

func validateIssue(req IssueRequest) error {
	if req.ControlTagID <= 0 {
		return errors.New("commands: control_tag_id required")
	}
	if len(req.Value) == 0 {
		return errors.New("commands: value required")
	}
	if !json.Valid(req.Value) {
		return errors.New("commands: invalid value")
	}
	return nil
}

func buildIdempotencyKey(controlTagID int64, value json.RawMessage) string {
	hash := sha1.Sum([]byte(strconv.FormatInt(controlTagID, 10) + "|" + string(value)))
	return hex.EncodeToString(hash[:])
}
