// Package daq carries the request/reply traffic between the server and the
// data acquisition processes.
package daq

import (
	"time"

	"github.com/goccy/go-json"
)

// Subjects handled by the server.
const (
	SubjectProcessConnect    = "daq.process.connect"
	SubjectProcessDisconnect = "daq.process.disconnect"
	SubjectHeartbeat         = "daq.heartbeat"
	SubjectTagUpdate         = "daq.tag.update"
)

// Reply statuses.
const (
	StatusAccepted = "ACCEPTED"
	StatusRejected = "REJECTED"
	StatusOK       = "OK"
	StatusFailed   = "FAILED"
)

// ConnectRequest asks for a process identification key.
type ConnectRequest struct {
	ProcessName string    `json:"process_name"`
	Hostname    string    `json:"hostname"`
	Timestamp   time.Time `json:"timestamp"`
}

// ConnectReply carries the issued key.
type ConnectReply struct {
	ProcessName string `json:"process_name"`
	PIK         int64  `json:"pik,omitempty"`
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
}

// DisconnectRequest announces a process shutdown.
type DisconnectRequest struct {
	ProcessName string    `json:"process_name"`
	PIK         int64     `json:"pik"`
	Timestamp   time.Time `json:"timestamp"`
}

// Heartbeat is an alive tag signal.
type Heartbeat struct {
	AliveTagID int64     `json:"alive_tag_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// TagValue is one acquired reading.
type TagValue struct {
	TagID              int64     `json:"tag_id"`
	Value              any       `json:"value"`
	Timestamp          time.Time `json:"timestamp"`
	Quality            string    `json:"quality,omitempty"`
	QualityDescription string    `json:"quality_description,omitempty"`
}

// TagUpdate is a batch of readings sent by a process.
type TagUpdate struct {
	ProcessID int64      `json:"process_id"`
	PIK       int64      `json:"pik"`
	Values    []TagValue `json:"values"`
}

// Ack answers heartbeats, disconnections and tag updates.
type Ack struct {
	Status  string `json:"status"`
	Applied int    `json:"applied,omitempty"`
	Dropped int    `json:"dropped,omitempty"`
	Message string `json:"message,omitempty"`
}

// RefreshRequest asks a process to resend current values.
type RefreshRequest struct {
	TagIDs []int64 `json:"tag_ids,omitempty"`
}

// RefreshReply holds the resent values.
type RefreshReply struct {
	Values []TagValue `json:"values"`
}

// ConfigurationChange pushes a configuration change to a process.
type ConfigurationChange struct {
	ChangeID string          `json:"change_id"`
	Payload  json.RawMessage `json:"payload"`
}

// ConfigurationReport is the process's answer to a configuration change.
type ConfigurationReport struct {
	ChangeID       string `json:"change_id"`
	Status         string `json:"status"`
	RequiresReboot bool   `json:"requires_reboot,omitempty"`
	Message        string `json:"message,omitempty"`
}

// CommandRequest executes a command on a control tag.
type CommandRequest struct {
	CommandID    string `json:"command_id"`
	ControlTagID int64  `json:"control_tag_id"`
	Value        any    `json:"value"`
}

// CommandReport is the process's answer to a command.
type CommandReport struct {
	CommandID   string `json:"command_id"`
	Status      string `json:"status"`
	ReturnValue any    `json:"return_value,omitempty"`
	Message     string `json:"message,omitempty"`
}

func processSubject(processName, kind string) string {
	return "daq." + processName + "." + kind
}
