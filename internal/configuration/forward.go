package configuration

import (
	"context"
	"fmt"
	"sort"

	"github.com/goccy/go-json"

	"scada-core/internal/daq"
	supervision "scada-core/internal/supervision/domain"
	tags "scada-core/internal/tags/domain"
)

// ChangeSender pushes a configuration change to an acquisition process.
type ChangeSender interface {
	SendConfigurationChange(ctx context.Context, processName string, change daq.ConfigurationChange) (daq.ConfigurationReport, error)
}

// ProcessDirectory looks up processes and records pending reboots.
type ProcessDirectory interface {
	Get(ctx context.Context, id int64) (*supervision.Supervised, error)
	MarkRebootRequired(ctx context.Context, id int64) error
}

// WithChangeForwarding sends the applied tag changes to each running owner
// process once a document is committed.
func WithChangeForwarding(sender ChangeSender, processes ProcessDirectory) Option {
	return func(a *Applier) {
		if sender != nil && processes != nil {
			a.sender = sender
			a.processes = processes
		}
	}
}

// ProcessElement is one applied tag change as sent to its process. Removals
// carry no tag.
type ProcessElement struct {
	Kind   string        `json:"kind"`
	ID     int64         `json:"id"`
	Action Action        `json:"action"`
	Tag    *tags.DataTag `json:"tag,omitempty"`
}

// ProcessReport describes the forwarding of a change to one process.
type ProcessReport struct {
	ProcessID      int64  `json:"process_id"`
	ChangeID       string `json:"change_id,omitempty"`
	Status         string `json:"status"`
	RequiresReboot bool   `json:"requires_reboot,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Forwarding statuses in a process report.
const (
	ForwardSent       = "SENT"
	ForwardNotRunning = "NOT_RUNNING"
	ForwardFailed     = "FAILED"
)

// processChanges collects applied elements per owning process.
type processChanges map[int64][]ProcessElement

func (c processChanges) add(processID int64, element ProcessElement) {
	if processID <= 0 {
		return
	}
	c[processID] = append(c[processID], element)
}

type changePayload struct {
	ReportID string           `json:"report_id"`
	Name     string           `json:"name"`
	Elements []ProcessElement `json:"elements"`
}

// forward never fails the apply: the caches are already committed, so
// delivery problems are logged and reported per process.
func (a *Applier) forward(ctx context.Context, report *Report, changes processChanges) {
	if a.sender == nil || len(changes) == 0 {
		return
	}
	ids := make([]int64, 0, len(changes))
	for id := range changes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		out := a.forwardTo(ctx, report, id, changes[id])
		report.Processes = append(report.Processes, out)
	}
}

func (a *Applier) forwardTo(ctx context.Context, report *Report, processID int64, elements []ProcessElement) ProcessReport {
	out := ProcessReport{ProcessID: processID}
	process, err := a.processes.Get(ctx, processID)
	if err != nil {
		out.Status = ForwardFailed
		out.Error = err.Error()
		return out
	}
	if !process.IsRunning() {
		out.Status = ForwardNotRunning
		return out
	}
	payload, err := json.Marshal(changePayload{ReportID: report.ID, Name: report.Name, Elements: elements})
	if err != nil {
		out.Status = ForwardFailed
		out.Error = fmt.Sprintf("encode change: %v", err)
		return out
	}
	reply, err := a.sender.SendConfigurationChange(ctx, process.Name, daq.ConfigurationChange{Payload: payload})
	if err != nil {
		a.logger.Warn().Err(err).Str("report", report.ID).Str("process", process.Name).Msg("configuration change not delivered")
		out.Status = ForwardFailed
		out.Error = err.Error()
		return out
	}
	out.Status = ForwardSent
	out.ChangeID = reply.ChangeID
	out.RequiresReboot = reply.RequiresReboot
	if reply.Message != "" {
		out.Error = reply.Message
	}
	if reply.RequiresReboot {
		if err := a.processes.MarkRebootRequired(ctx, processID); err != nil {
			a.logger.Warn().Err(err).Str("process", process.Name).Msg("reboot flag not recorded")
		}
	}
	return out
}
