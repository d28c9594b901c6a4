// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncrpc

import (
	"context"
	"fmt"
	"time"
)

// CallID identifies a call within one [Engine].
type CallID uint64

// sequence hands out call ids. Each engine owns its own.
type sequence struct {
	last CallID
}

func (s *sequence) next() CallID {
	s.last++
	return s.last
}

// Shape is the message pattern of a remote call.
type Shape uint8

const (
	ShapeUnary Shape = iota + 1
	ShapeServerStream
	ShapeClientStream
	ShapeBidiStream
)

// Shapes lists every supported [Shape].
var Shapes = []Shape{ShapeUnary, ShapeServerStream, ShapeClientStream, ShapeBidiStream}

func (s Shape) String() string {
	switch s {
	case ShapeUnary:
		return "unary"
	case ShapeServerStream:
		return "server-stream"
	case ShapeClientStream:
		return "client-stream"
	case ShapeBidiStream:
		return "bidi"
	default:
		return fmt.Sprintf("Shape(%d)", uint8(s))
	}
}

// ParseShape parses the names returned by [Shape.String].
func ParseShape(name string) (Shape, error) {
	for _, s := range Shapes {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("asyncrpc: unknown call shape %q", name)
}

// MarshalText implements [encoding.TextMarshaler].
func (s Shape) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (s *Shape) UnmarshalText(text []byte) error {
	parsed, err := ParseShape(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// clientStreaming reports whether the client sends more than one message.
func (s Shape) clientStreaming() bool {
	return s == ShapeClientStream || s == ShapeBidiStream
}

// serverStreaming reports whether the server sends more than one message.
func (s Shape) serverStreaming() bool {
	return s == ShapeServerStream || s == ShapeBidiStream
}

// Role tells which end of a call an engine drives.
type Role uint8

const (
	RoleClient Role = iota + 1
	RoleServer
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// Call is one in-flight remote call.
//
// A Call belongs to the engine that admitted it and is only touched from that
// engine's dispatch goroutine. [Handler] methods receive it and may read its
// exported fields; they must not keep it after [Handler.Done] returns.
type Call struct {
	ID     CallID
	SpanID string
	Shape  Shape
	Role   Role
	Method string

	// Peer is the remote address, known to server calls once connected.
	Peer string

	// Request is the single request of unary and server-stream calls.
	Request []byte

	// Response is the single response of unary and client-stream calls.
	Response []byte

	// Status is the final status of the call, nil on success.
	Status error

	// Sent and Received count streamed messages.
	Sent     int
	Received int

	Started time.Time

	engine  *Engine
	machine Machine
	client  ClientStream
	server  ServerStream
	life    lifecycle
	ctx     context.Context
	cancel  context.CancelFunc

	// next asks the engine to admit another call of the same shape once this
	// one is torn down.
	next bool

	// serving marks a server call holding a concurrency slot.
	serving bool
}

// issue registers a new outstanding suboperation for the call.
func (c *Call) issue(op Op) Tag {
	tag := c.engine.tags.issue(c.ID, op)
	c.life.inc()
	return tag
}

// fail records the first failure of the call.
func (c *Call) fail(err error) {
	if c.Status == nil {
		c.Status = err
	}
}

// Pending returns the number of suboperations the call has outstanding.
func (c *Call) Pending() int {
	return c.life.pending
}

func (c *Call) logArgs(args ...any) []any {
	return append([]any{
		"callID", uint64(c.ID),
		"spanID", c.SpanID,
		"shape", c.Shape.String(),
		"role", c.Role.String(),
		"method", c.Method,
	}, args...)
}
