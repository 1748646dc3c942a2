package runtime

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies every failure the engine can surface in an event.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindMissingService ErrorKind = "missing_service"
	KindHandlerFailure ErrorKind = "handler_failure"
	KindTimeout        ErrorKind = "timeout"
	KindCancelled      ErrorKind = "cancelled"
	KindDeadlock       ErrorKind = "deadlock"
	KindIterationLimit ErrorKind = "iteration_limit"
	KindInternal       ErrorKind = "internal"
)

// ExecError carries a machine-readable kind alongside the wrapped cause.
// NodeID is empty for execution-level failures.
type ExecError struct {
	Kind   ErrorKind
	NodeID string
	Err    error
}

func (e *ExecError) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.NodeID != "" {
		b.WriteString(" [node ")
		b.WriteString(e.NodeID)
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ExecError) Unwrap() error { return e.Err }

// Errorf builds an ExecError from a format string.
func Errorf(kind ErrorKind, nodeID, format string, args ...any) *ExecError {
	return &ExecError{Kind: kind, NodeID: nodeID, Err: fmt.Errorf(format, args...)}
}

// WrapError attaches a kind and node to an existing error. An already-typed
// error keeps its original kind.
func WrapError(kind ErrorKind, nodeID string, err error) *ExecError {
	if err == nil {
		return nil
	}
	var ee *ExecError
	if errors.As(err, &ee) {
		if ee.NodeID == "" && nodeID != "" {
			return &ExecError{Kind: ee.Kind, NodeID: nodeID, Err: ee.Err}
		}
		return ee
	}
	return &ExecError{Kind: kind, NodeID: nodeID, Err: err}
}

// KindOf extracts the kind from an error chain, defaulting to internal.
func KindOf(err error) ErrorKind {
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindInternal
}

func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
