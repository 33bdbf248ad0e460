package commands

import "time"

const (
	StatusCreated = "created"
	StatusSent    = "sent"
	StatusAcked   = "acked"
	StatusFailed  = "failed"
	StatusTimeout = "timeout"
)

// Command is a value written to a control tag through its acquisition process.
type Command struct {
	CommandID      string    `json:"command_id"`
	ControlTagID   int64     `json:"control_tag_id"`
	ProcessID      int64     `json:"process_id"`
	ProcessName    string    `json:"process_name"`
	Value          any       `json:"value"`
	IdempotencyKey string    `json:"idempotency_key"`
	Actor          string    `json:"actor,omitempty"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	SentAt         time.Time `json:"sent_at"`
	AckedAt        time.Time `json:"acked_at"`
	ReturnValue    any       `json:"return_value,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Done reports whether the command reached a final status.
func (c *Command) Done() bool {
	switch c.Status {
	case StatusAcked, StatusFailed, StatusTimeout:
		return true
	default:
		return false
	}
}
