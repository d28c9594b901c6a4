// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncrpc

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrBudgetExhausted is returned by admission once MaxTotalCalls calls
	// have been started. It is the normal end of a client run.
	ErrBudgetExhausted = errors.New("asyncrpc: call budget exhausted")

	// ErrConcurrencyLimit is returned by admission while MaxConcurrentCalls
	// calls are live.
	ErrConcurrencyLimit = errors.New("asyncrpc: concurrency limit reached")

	// ErrStreamEnded is the single signal for a failed READ. A failed read
	// cannot tell a peer that stopped sending from a broken stream.
	ErrStreamEnded = errors.New("asyncrpc: stream ended")

	// ErrConnectFailed is the status of calls whose CONNECT failed.
	ErrConnectFailed = errors.New("asyncrpc: connect failed")

	// ErrWriteFailed is the status of calls that could not write a message.
	ErrWriteFailed = errors.New("asyncrpc: write failed")

	// ErrCallFailed is the status of calls whose FINISH failed.
	ErrCallFailed = errors.New("asyncrpc: call failed")

	// ErrInvariant is the panic value, wrapped, of a broken tag or lifecycle
	// invariant. It is never returned.
	ErrInvariant = errors.New("asyncrpc: invariant violated")

	// ErrStalled is the status of calls left without outstanding suboperations
	// before reaching a terminal state.
	ErrStalled = errors.New("asyncrpc: call stalled")

	// ErrShutdown is returned by operations attempted after shutdown.
	ErrShutdown = errors.New("asyncrpc: shut down")

	// ErrEngineRunning is returned by Run on an engine that already ran.
	ErrEngineRunning = errors.New("asyncrpc: engine already running")

	// ErrUnknownTransport is returned by Dial and Listen for unregistered
	// transport names.
	ErrUnknownTransport = errors.New("asyncrpc: unknown transport")
)

// AdmissionError reports that a new call could not be constructed. The
// acceptance slot it was meant to fill is lost.
type AdmissionError struct {
	Shape Shape
	Role  Role
	Err   error
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("asyncrpc: admitting %s %s call: %v", e.Role, e.Shape, e.Err)
}

func (e *AdmissionError) Unwrap() error {
	return e.Err
}

// StatusError is a final call status carried over transports that do not
// have their own status type.
type StatusError struct {
	Code    codes.Code
	Message string
}

// NewStatusError creates a [*StatusError].
func NewStatusError(code codes.Code, format string, args ...any) *StatusError {
	return &StatusError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("asyncrpc: status %s: %s", e.Code, e.Message)
}

// GRPCStatus lets [status.FromError] and the grpc server understand the error.
func (e *StatusError) GRPCStatus() *status.Status {
	return status.New(e.Code, e.Message)
}

// StatusCode returns the status code of a final call status. Nil is OK,
// errors without a code are Unknown.
func StatusCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	if st, ok := status.FromError(err); ok {
		return st.Code()
	}
	return codes.Unknown
}

// statusMessage returns the message part of a final call status.
func statusMessage(err error) string {
	if err == nil {
		return ""
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Message
	}
	if st, ok := status.FromError(err); ok {
		return st.Message()
	}
	return err.Error()
}
