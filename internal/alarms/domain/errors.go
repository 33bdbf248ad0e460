package alarms

import "errors"

var (
	// ErrInvalidOperator indicates an unsupported condition operator.
	ErrInvalidOperator = errors.New("alarm: invalid operator")
	// ErrUnsupportedValue indicates a tag value the condition cannot compare.
	ErrUnsupportedValue = errors.New("alarm: unsupported tag value")
)
