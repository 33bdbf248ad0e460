package daq

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"scada-core/internal/logging"
	"scada-core/internal/observability/metrics"
	tagapp "scada-core/internal/tags/application"
)

// Client sends server-initiated requests to acquisition processes.
type Client struct {
	transport Transport
	timeouts  Timeouts
	logger    zerolog.Logger
}

// NewClient builds a client. Zero timeouts fall back to the defaults.
func NewClient(transport Transport, timeouts Timeouts) (*Client, error) {
	if transport == nil {
		return nil, errors.New("daq: nil transport")
	}
	def := DefaultTimeouts()
	if timeouts.ProcessConnection <= 0 {
		timeouts.ProcessConnection = def.ProcessConnection
	}
	if timeouts.Refresh <= 0 {
		timeouts.Refresh = def.Refresh
	}
	if timeouts.Configuration <= 0 {
		timeouts.Configuration = def.Configuration
	}
	if timeouts.Command <= 0 {
		timeouts.Command = def.Command
	}
	return &Client{transport: transport, timeouts: timeouts, logger: logging.With("daq-client")}, nil
}

func (c *Client) request(ctx context.Context, kind, processName string, req, resp any) error {
	if processName == "" {
		return errors.New("daq: empty process name")
	}
	timeout := c.timeouts.Command
	switch kind {
	case "refresh":
		timeout = c.timeouts.Refresh
	case "configuration":
		timeout = c.timeouts.Configuration
	}
	err := c.transport.Request(ctx, processSubject(processName, kind), req, resp, timeout)
	result := "ok"
	switch {
	case errors.Is(err, ErrNotResponding):
		result = "timeout"
	case err != nil:
		result = "error"
	}
	metrics.IncDAQRequest(kind, result)
	return err
}

// RequestRefresh asks a process for the current values of tagIDs, or of
// all its tags when tagIDs is empty.
func (c *Client) RequestRefresh(ctx context.Context, processName string, tagIDs ...int64) ([]TagValue, error) {
	var reply RefreshReply
	if err := c.request(ctx, "refresh", processName, RefreshRequest{TagIDs: tagIDs}, &reply); err != nil {
		return nil, err
	}
	return reply.Values, nil
}

// RefreshInto requests a refresh and applies the values. It returns how many
// values were applied.
func (c *Client) RefreshInto(ctx context.Context, processName string, tags TagUpdater, tagIDs ...int64) (int, error) {
	values, err := c.RequestRefresh(ctx, processName, tagIDs...)
	if err != nil {
		return 0, err
	}
	applied := 0
	var errs []error
	for _, v := range values {
		ok, err := tags.UpdateValue(ctx, tagapp.ValueUpdate{
			TagID:              v.TagID,
			Value:              v.Value,
			Timestamp:          v.Timestamp,
			Quality:            v.Quality,
			QualityDescription: v.QualityDescription,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			applied++
		}
	}
	return applied, errors.Join(errs...)
}

// SendConfigurationChange pushes change to a process. A missing change id is
// generated.
func (c *Client) SendConfigurationChange(ctx context.Context, processName string, change ConfigurationChange) (ConfigurationReport, error) {
	if change.ChangeID == "" {
		change.ChangeID = uuid.NewString()
	}
	var report ConfigurationReport
	if err := c.request(ctx, "configuration", processName, change, &report); err != nil {
		return ConfigurationReport{}, err
	}
	if report.RequiresReboot {
		c.logger.Warn().Str("process", processName).Str("change", change.ChangeID).Msg("configuration change requires a process reboot")
	}
	return report, nil
}

// ExecuteCommand runs a command on a control tag of a process.
func (c *Client) ExecuteCommand(ctx context.Context, processName string, cmd CommandRequest) (CommandReport, error) {
	if cmd.ControlTagID <= 0 {
		return CommandReport{}, fmt.Errorf("daq: invalid control tag %d", cmd.ControlTagID)
	}
	if cmd.CommandID == "" {
		cmd.CommandID = uuid.NewString()
	}
	var report CommandReport
	if err := c.request(ctx, "command", processName, cmd, &report); err != nil {
		return CommandReport{}, err
	}
	return report, nil
}
