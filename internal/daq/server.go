package daq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"scada-core/internal/logging"
	"scada-core/internal/observability/metrics"
	tagapp "scada-core/internal/tags/application"
	tags "scada-core/internal/tags/domain"
)

// ProcessSupervisor is the supervision side of the acquisition protocol.
type ProcessSupervisor interface {
	ConnectProcess(ctx context.Context, name, host string, at time.Time) (int64, error)
	DisconnectProcess(ctx context.Context, name string, pik int64, at time.Time) error
	CheckPIK(ctx context.Context, processID, pik int64) error
	Heartbeat(ctx context.Context, aliveTagID int64, at time.Time) (bool, error)
}

// TagUpdater applies acquired values.
type TagUpdater interface {
	UpdateValue(ctx context.Context, u tagapp.ValueUpdate) (bool, error)
}

// TagStore applies acquired values and tells which process owns a tag.
type TagStore interface {
	TagUpdater
	Get(ctx context.Context, id int64) (*tags.DataTag, error)
}

// Refresher pulls current values from a process into the tag caches.
type Refresher interface {
	RefreshInto(ctx context.Context, processName string, tags TagUpdater, tagIDs ...int64) (int, error)
}

// Server answers requests from acquisition processes.
type Server struct {
	transport  Transport
	supervisor ProcessSupervisor
	tags       TagStore
	refresher  Refresher
	logger     zerolog.Logger
	now        func() time.Time
	timeout    time.Duration

	mu        sync.Mutex
	stopped   bool
	refreshes sync.WaitGroup
}

// ServerOption customizes the server.
type ServerOption func(*Server)

// WithServerLogger assigns a logger.
func WithServerLogger(logger zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithServerNow overrides the clock used when a message has no timestamp.
func WithServerNow(now func() time.Time) ServerOption {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// WithConnectTimeout bounds the handling of a connection request.
func WithConnectTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithRefresher makes the server pull all values of a process right after
// accepting its connection.
func WithRefresher(r Refresher) ServerOption {
	return func(s *Server) {
		s.refresher = r
	}
}

// NewServer builds a server.
func NewServer(transport Transport, supervisor ProcessSupervisor, tags TagStore, opts ...ServerOption) (*Server, error) {
	if transport == nil || supervisor == nil || tags == nil {
		return nil, errors.New("daq: nil dependency")
	}
	s := &Server{
		transport:  transport,
		supervisor: supervisor,
		tags:       tags,
		logger:     logging.With("daq-server"),
		now:        func() time.Time { return time.Now().UTC() },
		timeout:    DefaultTimeouts().ProcessConnection,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Serve subscribes all subjects until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	routes := map[string]Handler{
		SubjectProcessConnect:    decoding(s.HandleConnect),
		SubjectProcessDisconnect: decoding(s.HandleDisconnect),
		SubjectHeartbeat:         decoding(s.HandleHeartbeat),
		SubjectTagUpdate:         decoding(s.HandleTagUpdate),
	}
	s.mu.Lock()
	s.stopped = false
	s.mu.Unlock()
	subs := make([]Subscription, 0, len(routes))
	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		s.refreshes.Wait()
	}()
	for subject, handler := range routes {
		sub, err := s.transport.Handle(subject, handler)
		if err != nil {
			return err
		}
		subs = append(subs, sub)
	}
	s.logger.Info().Int("subjects", len(subs)).Msg("daq server listening")
	<-ctx.Done()
	return ctx.Err()
}

func (s *Server) String() string {
	return "daq-server"
}

func decoding[Req any, Resp any](fn func(context.Context, Req) (Resp, error)) Handler {
	return func(ctx context.Context, data []byte) (any, error) {
		var req Req
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("daq: decode request: %w", err)
		}
		return fn(ctx, req)
	}
}

func (s *Server) stamp(ts time.Time) time.Time {
	if ts.IsZero() {
		return s.now()
	}
	return ts.UTC()
}

// HandleConnect issues a PIK. A refused connection is a REJECTED reply, not
// a transport error.
func (s *Server) HandleConnect(ctx context.Context, req ConnectRequest) (ConnectReply, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	reply := ConnectReply{ProcessName: req.ProcessName}
	pik, err := s.supervisor.ConnectProcess(ctx, req.ProcessName, req.Hostname, s.stamp(req.Timestamp))
	if err != nil {
		metrics.IncDAQRequest("connect", "rejected")
		reply.Status = StatusRejected
		reply.Message = err.Error()
		return reply, nil
	}
	metrics.IncDAQRequest("connect", "accepted")
	reply.Status = StatusAccepted
	reply.PIK = pik
	s.refreshAfterConnect(ctx, req.ProcessName)
	return reply, nil
}

// refreshAfterConnect loads the values a freshly connected process holds.
// It runs after the reply is sent and outlives the request context.
func (s *Server) refreshAfterConnect(ctx context.Context, processName string) {
	if s.refresher == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.refreshes.Add(1)
	go func() {
		defer s.refreshes.Done()
		applied, err := s.refresher.RefreshInto(ctx, processName, s.tags)
		if err != nil {
			s.logger.Warn().Err(err).Str("process", processName).Int("applied", applied).Msg("refresh after connect failed")
			return
		}
		s.logger.Info().Str("process", processName).Int("applied", applied).Msg("process values refreshed")
	}()
}

// HandleDisconnect stops a process.
func (s *Server) HandleDisconnect(ctx context.Context, req DisconnectRequest) (Ack, error) {
	if err := s.supervisor.DisconnectProcess(ctx, req.ProcessName, req.PIK, s.stamp(req.Timestamp)); err != nil {
		metrics.IncDAQRequest("disconnect", "rejected")
		return Ack{Status: StatusRejected, Message: err.Error()}, nil
	}
	metrics.IncDAQRequest("disconnect", "accepted")
	return Ack{Status: StatusOK}, nil
}

// HandleHeartbeat advances an alive timer.
func (s *Server) HandleHeartbeat(ctx context.Context, hb Heartbeat) (Ack, error) {
	applied, err := s.supervisor.Heartbeat(ctx, hb.AliveTagID, s.stamp(hb.Timestamp))
	if err != nil {
		metrics.IncDAQRequest("heartbeat", "error")
		return Ack{Status: StatusFailed, Message: err.Error()}, nil
	}
	ack := Ack{Status: StatusOK}
	if applied {
		ack.Applied = 1
	} else {
		ack.Dropped = 1
	}
	metrics.IncDAQRequest("heartbeat", "ok")
	return ack, nil
}

// HandleTagUpdate applies a batch of values from the live instance of a
// process. Batches carrying a stale PIK are rejected whole; values for tags
// owned by another process are dropped.
func (s *Server) HandleTagUpdate(ctx context.Context, update TagUpdate) (Ack, error) {
	if err := s.supervisor.CheckPIK(ctx, update.ProcessID, update.PIK); err != nil {
		metrics.IncDAQRequest("tag_update", "rejected")
		s.logger.Warn().Err(err).Int64("process", update.ProcessID).Msg("tag update rejected")
		return Ack{Status: StatusRejected, Message: err.Error()}, nil
	}
	ack := Ack{Status: StatusOK}
	var errs []error
	for _, v := range update.Values {
		if err := s.checkOwner(ctx, update.ProcessID, v.TagID); err != nil {
			ack.Dropped++
			errs = append(errs, err)
			continue
		}
		applied, err := s.tags.UpdateValue(ctx, tagapp.ValueUpdate{
			TagID:              v.TagID,
			Value:              v.Value,
			Timestamp:          s.stamp(v.Timestamp),
			Quality:            v.Quality,
			QualityDescription: v.QualityDescription,
		})
		switch {
		case err != nil:
			ack.Dropped++
			errs = append(errs, err)
		case applied:
			ack.Applied++
		default:
			ack.Dropped++
		}
	}
	if err := errors.Join(errs...); err != nil {
		ack.Message = err.Error()
		s.logger.Debug().Err(err).Int64("process", update.ProcessID).Int("dropped", ack.Dropped).Msg("tag update partially applied")
	}
	metrics.IncDAQRequest("tag_update", "ok")
	return ack, nil
}

func (s *Server) checkOwner(ctx context.Context, processID, tagID int64) error {
	tag, err := s.tags.Get(ctx, tagID)
	if err != nil {
		return err
	}
	if tag.ProcessID != processID {
		s.logger.Warn().Int64("process", processID).Int64("tag", tagID).Int64("owner", tag.ProcessID).Msg("value for foreign tag dropped")
		return fmt.Errorf("%w: tag %d belongs to process %d", ErrForeignTag, tagID, tag.ProcessID)
	}
	return nil
}
