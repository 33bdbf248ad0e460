package configuration

import (
	"context"
	"errors"
	"fmt"
)

type undoStep struct {
	label string
	fn    func(ctx context.Context) error
}

// Transaction records how to undo each applied cache mutation.
type Transaction struct {
	steps []undoStep
}

// Record adds an undo step.
func (t *Transaction) Record(label string, fn func(ctx context.Context) error) {
	t.steps = append(t.steps, undoStep{label: label, fn: fn})
}

// Len returns the number of recorded steps.
func (t *Transaction) Len() int {
	return len(t.steps)
}

// Rollback runs every undo step in reverse order. All steps run even when
// some fail; the failures are joined.
func (t *Transaction) Rollback(ctx context.Context) error {
	var errs []error
	for i := len(t.steps) - 1; i >= 0; i-- {
		step := t.steps[i]
		if err := step.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("undo %s: %w", step.label, err))
		}
	}
	t.steps = nil
	return errors.Join(errs...)
}
