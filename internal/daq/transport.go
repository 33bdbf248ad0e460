package daq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"scada-core/internal/logging"
)

var (
	// ErrNotResponding reports a request that got no reply in time.
	ErrNotResponding = errors.New("daq: process not responding")
	// ErrRemote reports an error returned by the responder.
	ErrRemote = errors.New("daq: remote error")
	// ErrForeignTag reports a value sent for a tag owned by another process.
	ErrForeignTag = errors.New("daq: tag not owned by process")
)

// Handler answers one request. A returned error is sent back to the requester.
type Handler func(ctx context.Context, data []byte) (any, error)

// Subscription is an active handler registration.
type Subscription interface {
	Unsubscribe() error
}

// Transport sends requests and serves subjects.
type Transport interface {
	Request(ctx context.Context, subject string, req, resp any, timeout time.Duration) error
	Handle(subject string, handler Handler) (Subscription, error)
}

// Timeouts bounds each kind of request.
type Timeouts struct {
	ProcessConnection time.Duration `koanf:"process_connection" validate:"gt=0"`
	Refresh           time.Duration `koanf:"refresh" validate:"gt=0"`
	Configuration     time.Duration `koanf:"configuration" validate:"gt=0"`
	Command           time.Duration `koanf:"command" validate:"gt=0"`
}

// DefaultTimeouts returns the request timeouts used when none are configured.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		ProcessConnection: 10 * time.Second,
		Refresh:           30 * time.Second,
		Configuration:     2 * time.Minute,
		Command:           15 * time.Second,
	}
}

type errorReply struct {
	Error string `json:"error,omitempty"`
}

func encodeReply(resp any, err error) []byte {
	if err != nil {
		data, _ := json.Marshal(errorReply{Error: err.Error()})
		return data
	}
	data, mErr := json.Marshal(resp)
	if mErr != nil {
		data, _ = json.Marshal(errorReply{Error: "encode reply: " + mErr.Error()})
	}
	return data
}

func decodeReply(data []byte, resp any) error {
	var remote errorReply
	if err := json.Unmarshal(data, &remote); err == nil && remote.Error != "" {
		return fmt.Errorf("%w: %s", ErrRemote, remote.Error)
	}
	if resp == nil {
		return nil
	}
	if err := json.Unmarshal(data, resp); err != nil {
		return fmt.Errorf("daq: decode reply: %w", err)
	}
	return nil
}

// NATSTransport is a Transport over a NATS connection.
type NATSTransport struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

// DialNATS connects to url and keeps reconnecting in the background.
func DialNATS(url, name string) (*NATSTransport, error) {
	logger := logging.With("daq")
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("daq: connect to nats: %w", err)
	}
	return &NATSTransport{conn: conn, logger: logger}, nil
}

// Request sends req on subject and decodes the reply into resp.
func (t *NATSTransport) Request(ctx context.Context, subject string, req, resp any, timeout time.Duration) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("daq: encode %s: %w", subject, err)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	msg, err := t.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, nats.ErrNoResponders) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s: %v", ErrNotResponding, subject, err)
		}
		return fmt.Errorf("daq: request %s: %w", subject, err)
	}
	return decodeReply(msg.Data, resp)
}

// Handle serves subject with handler. Every server instance is in the same
// queue group so each request is answered once.
func (t *NATSTransport) Handle(subject string, handler Handler) (Subscription, error) {
	sub, err := t.conn.QueueSubscribe(subject, "scada-core", func(msg *nats.Msg) {
		resp, err := handler(context.Background(), msg.Data)
		if msg.Reply == "" {
			return
		}
		if rErr := msg.Respond(encodeReply(resp, err)); rErr != nil {
			t.logger.Warn().Err(rErr).Str("subject", subject).Msg("daq reply failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("daq: subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// Close drains the connection.
func (t *NATSTransport) Close() error {
	return t.conn.Drain()
}
