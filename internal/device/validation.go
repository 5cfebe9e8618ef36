package device

import (
	"errors"
	"fmt"
)

var (
	// ErrKVCacheOverflow is raised when an append would push seqLen past
	// capacity. Never truncated silently.
	ErrKVCacheOverflow = errors.New("kv cache capacity exceeded")

	// ErrBudgetExceeded is raised by the heap manager when a reservation
	// cannot be satisfied even after evicting pooled buffers.
	ErrBudgetExceeded = errors.New("vram budget exceeded")

	// ErrRecorderSubmitted is returned when recording onto a recorder whose
	// encoder has already been submitted.
	ErrRecorderSubmitted = errors.New("recorder already submitted")
)

// ValidationError reports a shape or dtype mismatch caught at a kernel
// boundary, before anything is dispatched.
type ValidationError struct {
	Op  string
	Msg string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validate %s: %s", e.Op, e.Msg)
}

func validationErrorf(op, format string, args ...any) error {
	return &ValidationError{Op: op, Msg: fmt.Sprintf(format, args...)}
}
