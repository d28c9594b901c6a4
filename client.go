// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncrpc

import (
	"context"
	"io"
)

// Channel starts client calls. It is implemented by transports.
//
// The returned [ClientStream] never blocks: every operation taking a [Tag]
// returns at once and later posts exactly one completion for that tag to q.
type Channel interface {
	// StartUnary starts a unary call. No CONNECT is posted; the outcome is
	// delivered by [ClientStream.Finish].
	StartUnary(ctx context.Context, q Poster, method string, req []byte) ClientStream

	// StartStream starts a streaming call of the given shape and posts
	// connect once the stream is open. Server-stream calls send req as their
	// single request.
	StartStream(ctx context.Context, q Poster, method string, shape Shape, req []byte, connect Tag) ClientStream
}

// ClientStream is the client end of one call.
type ClientStream interface {
	// Read receives the next message; tag fails when the stream ended.
	Read(tag Tag)

	// Recv returns the message of the last successful Read, or the
	// response after a successful unary or client-stream Finish.
	Recv() []byte

	// Write sends msg. At most one Write may be outstanding.
	Write(msg []byte, tag Tag)

	// CloseSend signals that no more messages will be written.
	CloseSend(tag Tag)

	// Finish completes once the final status is known.
	Finish(tag Tag)

	// Status returns the final status, nil while unknown or OK.
	Status() error

	// Cancel aborts the call and releases its resources.
	Cancel()
}

// Acceptor registers server calls waiting for peers. It is implemented by
// transports.
type Acceptor interface {
	// Accept makes the returned stream the next acceptor of method and
	// posts connect to q once a peer opened a call. An error means connect
	// will never be posted.
	Accept(q Poster, method string, shape Shape, connect Tag) (ServerStream, error)
}

// MethodRegistrar is implemented by acceptors able to learn the shape of a
// method before the first Accept for it.
type MethodRegistrar interface {
	RegisterMethod(method string, shape Shape) error
}

// ServerStream is the server end of one call.
type ServerStream interface {
	// Read receives the next message; tag fails once the client stopped
	// sending.
	Read(tag Tag)

	// Recv returns the message of the last successful Read. Right after
	// CONNECT it returns the request of unary and server-stream calls.
	Recv() []byte

	// Peer returns the remote address.
	Peer() string

	// Write sends msg. At most one Write may be outstanding.
	Write(msg []byte, tag Tag)

	// Finish sends reply, unless nil, and the final status.
	Finish(reply []byte, status error, tag Tag)
}

// Conn is a client connection created by [Dial].
type Conn interface {
	Channel
	io.Closer
}

// Server is a listening server created by [Listen].
type Server interface {
	Acceptor
	MethodRegistrar

	// Serve accepts connections until ctx is done or the server is closed.
	Serve(ctx context.Context) error

	// Close stops the server and fails every pending accept.
	Close() error

	// Addr returns the server's listen address.
	Addr() string
}

// DialOption configures client connections.
type DialOption func(*dialOptions)

type dialOptions struct {
	transport string
	logger    SLogger
}

// WithTransport selects a registered transport by name.
func WithTransport(t string) DialOption {
	return func(o *dialOptions) { o.transport = t }
}

// WithDialLogger sets the connection logger.
func WithDialLogger(l SLogger) DialOption {
	return func(o *dialOptions) { o.logger = l }
}

// ServerOption configures servers.
type ServerOption func(*serverOptions)

type serverOptions struct {
	transport string
	logger    SLogger
	backlog   int
}

// WithServerTransport selects a registered transport by name.
func WithServerTransport(t string) ServerOption {
	return func(o *serverOptions) { o.transport = t }
}

// WithServerLogger sets the server logger.
func WithServerLogger(l SLogger) ServerOption {
	return func(o *serverOptions) { o.logger = l }
}

// WithBacklog bounds the calls per method waiting for an accept.
func WithBacklog(n int) ServerOption {
	return func(o *serverOptions) { o.backlog = n }
}
