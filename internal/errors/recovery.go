package errors

import (
	"fmt"
	"runtime/debug"
)

// PanicError represents an error recovered from a panic
type PanicError struct {
	Value      interface{} // The panic value
	Stacktrace string      // Full stack trace
}

// Error implements the error interface
func (p *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", p.Value)
}

// Message returns the panic value as text, without the "panic recovered" prefix
func (p *PanicError) Message() string {
	if err, ok := p.Value.(error); ok {
		return err.Error()
	}
	return fmt.Sprint(p.Value)
}

// FromPanic converts a value returned by recover() into a *PanicError.
// Returns nil if r is nil. Must be called from the deferred function itself so
// the stack trace points at the panic site.
func FromPanic(r interface{}) *PanicError {
	if r == nil {
		return nil
	}
	return &PanicError{
		Value:      r,
		Stacktrace: string(debug.Stack()),
	}
}

// RecoverPanic runs fn and returns any panic it raises as a *PanicError.
// Returns nil if fn returned normally.
func RecoverPanic(fn func()) (err error) {
	defer func() {
		if p := FromPanic(recover()); p != nil {
			err = p
		}
	}()
	fn()
	return nil
}

// FormatPanicForLog returns a formatted string suitable for logging
func FormatPanicForLog(panicErr *PanicError) string {
	return fmt.Sprintf("PANIC: %v\n\nStack Trace:\n%s", panicErr.Value, panicErr.Stacktrace)
}
