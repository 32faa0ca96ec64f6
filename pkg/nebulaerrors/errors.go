// Package nebulaerrors carries the failure taxonomy of nebulastream.
//
// Every layer of the engine returns *Error values tagged with an ErrorType.
// Workers never look at driver errors directly: the sink classifies a failed
// write as ErrorTypeSinkTransient or ErrorTypeSinkPermanent, and the worker
// picks retry, dead-lettering or halting from the tag alone.
//
//	if err := s.BulkUpsert(ctx, table, rows, "event_id"); err != nil {
//	    return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeSinkTransient, "bulk upsert failed").
//	        WithDetail("table", table)
//	}
//
// IsType inspects the outermost tag only. HasType walks the whole chain, so a
// permanent classification survives being wrapped with more context.
//
// An *Error is not safe for concurrent modification; attach details before
// handing it to another goroutine.
package nebulaerrors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType tags an error with the failure class callers branch on.
type ErrorType string

// General failure classes.
const (
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeConnection ErrorType = "connection"
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeData       ErrorType = "data"
	ErrorTypeQuery      ErrorType = "query"
	ErrorTypeLog        ErrorType = "log"
)

// Ingestion failure classes.
const (
	// ErrorTypeProduceTimeout: the append did not finish within the producer
	// budget. The event may or may not be in the log.
	ErrorTypeProduceTimeout ErrorType = "produce_timeout"
	// ErrorTypeSinkTransient: repeating the same write may succeed.
	ErrorTypeSinkTransient ErrorType = "sink_transient"
	// ErrorTypeSinkPermanent: the write will fail for this data every time.
	ErrorTypeSinkPermanent ErrorType = "sink_permanent"
	// ErrorTypeDeadLetterAppend: a failed batch could not be recorded in the
	// dead-letter stream. Fatal to the worker that hit it.
	ErrorTypeDeadLetterAppend ErrorType = "dead_letter_append"
)

var retryable = map[ErrorType]bool{
	ErrorTypeTimeout:        true,
	ErrorTypeConnection:     true,
	ErrorTypeProduceTimeout: true,
	ErrorTypeSinkTransient:  true,
}

// Error is a tagged error with optional key/value context.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	// Stack is recorded where the innermost *Error of a chain was created.
	Stack []StackFrame
}

// StackFrame is one caller recorded in Error.Stack.
type StackFrame struct {
	Function string
	File     string
	Line     int
}

func (f StackFrame) String() string {
	return fmt.Sprintf("%s\n\t%s:%d", f.Function, f.File, f.Line)
}

func (e *Error) Error() string {
	msg := string(e.Type) + ": " + e.Message
	if e.Cause == nil {
		return msg
	}
	return msg + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// WithDetail records key=value on the error and returns it for chaining.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	e.Details[key] = value
	return e
}

// New returns an error of the given type.
func New(errType ErrorType, message string) *Error {
	return &Error{Type: errType, Message: message, Stack: callers(3)}
}

// Newf returns an error of the given type with a formatted message.
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{Type: errType, Message: fmt.Sprintf(format, args...), Stack: callers(3)}
}

// Wrap tags err with errType and message. It returns nil for a nil err.
// When err already contains an *Error its stack is reused.
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}
	wrapped := &Error{Type: errType, Message: message, Cause: err}
	var inner *Error
	if errors.As(err, &inner) {
		wrapped.Stack = inner.Stack
	} else {
		wrapped.Stack = callers(3)
	}
	return wrapped
}

// IsRetryable reports whether the outermost *Error in err's chain is of a
// class that may succeed when repeated.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && retryable[e.Type]
}

// IsType reports whether the outermost *Error in err's chain has errType.
func IsType(err error, errType ErrorType) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == errType
}

// HasType reports whether any *Error in err's chain has errType.
func HasType(err error, errType ErrorType) bool {
	var e *Error
	for errors.As(err, &e) {
		if e.Type == errType {
			return true
		}
		err = e.Cause
	}
	return false
}

func callers(skip int) []StackFrame {
	var pcs [32]uintptr
	n := runtime.Callers(skip, pcs[:])
	if n == 0 {
		return nil
	}
	frames := runtime.CallersFrames(pcs[:n])
	stack := make([]StackFrame, 0, n)
	for {
		f, more := frames.Next()
		stack = append(stack, StackFrame{Function: f.Function, File: f.File, Line: f.Line})
		if !more {
			return stack
		}
	}
}
