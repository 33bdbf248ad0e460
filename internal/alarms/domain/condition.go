package alarms

import (
	"fmt"
	"strconv"
	"strings"
)

type Operator string

const (
	OperatorGreater        Operator = ">"
	OperatorGreaterOrEqual Operator = ">="
	OperatorLess           Operator = "<"
	OperatorLessOrEqual    Operator = "<="
	OperatorEqual          Operator = "=="
	OperatorNotEqual       Operator = "!="
)

// Valid returns true when operator is supported.
func (o Operator) Valid() bool {
	switch o {
	case OperatorGreater, OperatorGreaterOrEqual, OperatorLess, OperatorLessOrEqual, OperatorEqual, OperatorNotEqual:
		return true
	default:
		return false
	}
}

// Condition decides whether a tag value puts an alarm in the active state.
type Condition struct {
	Operator  Operator `json:"operator" yaml:"operator"`
	Threshold float64  `json:"threshold" yaml:"threshold"`
}

// Evaluate compares value against the threshold. Booleans compare as 1/0.
func (c Condition) Evaluate(value any) (bool, error) {
	if !c.Operator.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidOperator, c.Operator)
	}
	v, err := toFloat(value)
	if err != nil {
		return false, err
	}
	switch c.Operator {
	case OperatorGreater:
		return v > c.Threshold, nil
	case OperatorGreaterOrEqual:
		return v >= c.Threshold, nil
	case OperatorLess:
		return v < c.Threshold, nil
	case OperatorLessOrEqual:
		return v <= c.Threshold, nil
	case OperatorEqual:
		return v == c.Threshold, nil
	default:
		return v != c.Threshold, nil
	}
}

func (c Condition) String() string {
	return string(c.Operator) + " " + strconv.FormatFloat(c.Threshold, 'f', -1, 64)
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true":
			return 1, nil
		case "false":
			return 0, nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrUnsupportedValue, v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: %T", ErrUnsupportedValue, value)
	}
}
