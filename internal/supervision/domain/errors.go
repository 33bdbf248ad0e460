package supervision

import "errors"

var (
	// ErrIllegalTransition indicates a status change the state machine does not allow.
	ErrIllegalTransition = errors.New("supervision: illegal status transition")
	// ErrStalePIK indicates a request from a previous process instance.
	ErrStalePIK = errors.New("supervision: process instance key mismatch")
	// ErrAlreadyRunning indicates a second instance tried to connect while the first is alive.
	ErrAlreadyRunning = errors.New("supervision: process already running")
	// ErrNotProcess indicates a process-only operation on equipment.
	ErrNotProcess = errors.New("supervision: entity is not a process")
	// ErrExists indicates a create for an id that is already configured.
	ErrExists = errors.New("supervision: entity already exists")
)
