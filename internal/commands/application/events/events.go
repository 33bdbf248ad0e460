package events

import "time"

// Event types published for commands.
const (
	TypeCommandIssued = "command.issued"
	TypeCommandAcked  = "command.acked"
	TypeCommandFailed = "command.failed"
)

// CommandIssued is emitted when a command is sent to its process.
type CommandIssued struct {
	CommandID    string    `json:"command_id"`
	ControlTagID int64     `json:"control_tag_id"`
	ProcessName  string    `json:"process_name"`
	Value        any       `json:"value"`
	Actor        string    `json:"actor,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// CommandAcked is emitted when the process executed the command.
type CommandAcked struct {
	CommandID    string    `json:"command_id"`
	ControlTagID int64     `json:"control_tag_id"`
	ReturnValue  any       `json:"return_value,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// CommandFailed is emitted when the process refused or did not answer.
type CommandFailed struct {
	CommandID    string    `json:"command_id"`
	ControlTagID int64     `json:"control_tag_id"`
	Status       string    `json:"status"`
	Error        string    `json:"error"`
	OccurredAt   time.Time `json:"occurred_at"`
}

func (e CommandIssued) EventTime() time.Time { return e.OccurredAt }

func (e CommandAcked) EventTime() time.Time { return e.OccurredAt }

func (e CommandFailed) EventTime() time.Time { return e.OccurredAt }
