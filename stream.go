// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncrpc

import (
	"context"
	"errors"
	"io"
	"sync"

	"google.golang.org/grpc/codes"
)

// rawClientStream is the blocking client end of a transport stream.
//
// RecvMsg returns io.EOF once the server finished with an OK status and the
// status error otherwise. For shapes without server streaming, RecvMsg
// returns the single response only after checking the final status.
type rawClientStream interface {
	SendMsg(msg []byte) error
	CloseSend() error
	RecvMsg() ([]byte, error)
}

// rawOpener opens a transport stream. It may block.
type rawOpener func(ctx context.Context) (rawClientStream, error)

// asyncClientStream runs the blocking operations of a [rawClientStream] on
// their own goroutines and posts their completions.
type asyncClientStream struct {
	q      Poster
	shape  Shape
	ctx    context.Context
	cancel context.CancelFunc

	// ready is closed once the stream is open or failed to open.
	ready chan struct{}

	// done is closed once the final status is known.
	done     chan struct{}
	doneOnce sync.Once

	raw rawClientStream

	mu     sync.Mutex
	status error
	recv   []byte
}

var _ ClientStream = &asyncClientStream{}

// startAsync opens a stream in the background. Shapes without client
// streaming send req and close the sending side right after opening. When
// connect is not [NoTag] it is posted once the stream is open.
func startAsync(ctx context.Context, q Poster, shape Shape, req []byte, connect Tag, open rawOpener) *asyncClientStream {
	ctx, cancel := context.WithCancel(ctx)
	s := &asyncClientStream{
		q:      q,
		shape:  shape,
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	go func() {
		err := s.open(open, req)
		if err != nil {
			s.end(err)
		}
		close(s.ready)
		if connect != NoTag {
			s.q.Post(connect, err == nil)
		}
	}()
	return s
}

func (s *asyncClientStream) open(open rawOpener, req []byte) error {
	raw, err := open(s.ctx)
	if err != nil {
		return err
	}
	s.raw = raw
	if s.shape.clientStreaming() {
		return nil
	}
	if err := raw.SendMsg(req); err != nil {
		return s.sendError(err)
	}
	return raw.CloseSend()
}

// sendError turns an io.EOF from SendMsg into the real stream status.
func (s *asyncClientStream) sendError(err error) error {
	if !errors.Is(err, io.EOF) {
		return err
	}
	if _, rerr := s.raw.RecvMsg(); rerr != nil && !errors.Is(rerr, io.EOF) {
		return rerr
	}
	return err
}

// opened waits for the stream to open and reports whether it did.
func (s *asyncClientStream) opened() bool {
	<-s.ready
	return s.raw != nil && !s.ended()
}

func (s *asyncClientStream) ended() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// end records the final status, nil for OK.
func (s *asyncClientStream) end(err error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.status = err
		s.mu.Unlock()
		close(s.done)
	})
}

// Read implements [ClientStream].
func (s *asyncClientStream) Read(tag Tag) {
	go func() {
		if !s.opened() {
			s.q.Post(tag, false)
			return
		}
		msg, err := s.raw.RecvMsg()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			s.end(err)
			s.q.Post(tag, false)
			return
		}
		s.mu.Lock()
		s.recv = msg
		s.mu.Unlock()
		s.q.Post(tag, true)
	}()
}

// Recv implements [ClientStream].
func (s *asyncClientStream) Recv() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recv
}

// Write implements [ClientStream].
func (s *asyncClientStream) Write(msg []byte, tag Tag) {
	go func() {
		if !s.opened() {
			s.q.Post(tag, false)
			return
		}
		s.q.Post(tag, s.raw.SendMsg(msg) == nil)
	}()
}

// CloseSend implements [ClientStream].
func (s *asyncClientStream) CloseSend(tag Tag) {
	go func() {
		if !s.opened() {
			s.q.Post(tag, false)
			return
		}
		s.q.Post(tag, s.raw.CloseSend() == nil)
	}()
}

// Finish implements [ClientStream]. Unary and client-stream calls receive
// their single response here; streaming responses end through Read.
func (s *asyncClientStream) Finish(tag Tag) {
	go func() {
		if s.opened() && !s.shape.serverStreaming() {
			msg, err := s.raw.RecvMsg()
			if err == nil {
				s.mu.Lock()
				s.recv = msg
				s.mu.Unlock()
			} else if errors.Is(err, io.EOF) {
				err = NewStatusError(codes.Internal, "no response received")
			}
			s.end(err)
		}
		select {
		case <-s.done:
		case <-s.ctx.Done():
			s.end(s.ctx.Err())
		}
		s.q.Post(tag, true)
	}()
}

// Status implements [ClientStream].
func (s *asyncClientStream) Status() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Cancel implements [ClientStream].
func (s *asyncClientStream) Cancel() {
	s.cancel()
}

// rawServerStream is the blocking server end of a transport stream.
//
// RecvMsg returns io.EOF once the client closed its sending side. Finish
// sends reply, unless nil, then the final status, and ends the stream.
type rawServerStream interface {
	RecvMsg() ([]byte, error)
	SendMsg(msg []byte) error
	Finish(reply []byte, status error) error
	Peer() string
}

// asyncServerStream is the [ServerStream] handed out by [acceptRegistry].
// It is bound to a transport stream when a peer connects.
type asyncServerStream struct {
	q     Poster
	shape Shape
	raw   rawServerStream

	mu   sync.Mutex
	recv []byte
}

var _ ServerStream = &asyncServerStream{}

// Read implements [ServerStream].
func (s *asyncServerStream) Read(tag Tag) {
	go func() {
		msg, err := s.raw.RecvMsg()
		if err == nil {
			s.mu.Lock()
			s.recv = msg
			s.mu.Unlock()
		}
		s.q.Post(tag, err == nil)
	}()
}

// Recv implements [ServerStream].
func (s *asyncServerStream) Recv() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recv
}

// Peer implements [ServerStream].
func (s *asyncServerStream) Peer() string {
	return s.raw.Peer()
}

// Write implements [ServerStream].
func (s *asyncServerStream) Write(msg []byte, tag Tag) {
	go func() {
		s.q.Post(tag, s.raw.SendMsg(msg) == nil)
	}()
}

// Finish implements [ServerStream].
func (s *asyncServerStream) Finish(reply []byte, status error, tag Tag) {
	go func() {
		s.q.Post(tag, s.raw.Finish(reply, status) == nil)
	}()
}

// DefaultBacklog is the number of calls per method a server keeps waiting
// for an accept.
const DefaultBacklog = 128

type pendingAccept struct {
	connect Tag
	stream  *asyncServerStream
}

type incomingCall struct {
	raw rawServerStream
	req []byte
}

// acceptRegistry matches incoming transport streams with the accepts armed
// by server engines. It implements [Acceptor] for every transport.
type acceptRegistry struct {
	backlog int
	logger  SLogger

	mu       sync.Mutex
	closed   bool
	methods  map[string]Shape
	pending  map[string][]*pendingAccept
	incoming map[string][]incomingCall
}

var (
	_ Acceptor        = &acceptRegistry{}
	_ MethodRegistrar = &acceptRegistry{}
)

func newAcceptRegistry(backlog int, logger SLogger) *acceptRegistry {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	if logger == nil {
		logger = DefaultSLogger()
	}
	return &acceptRegistry{
		backlog:  backlog,
		logger:   logger,
		methods:  make(map[string]Shape),
		pending:  make(map[string][]*pendingAccept),
		incoming: make(map[string][]incomingCall),
	}
}

// RegisterMethod implements [MethodRegistrar].
func (r *acceptRegistry) RegisterMethod(method string, shape Shape) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(method, shape)
}

func (r *acceptRegistry) registerLocked(method string, shape Shape) error {
	if known, found := r.methods[method]; found && known != shape {
		return NewStatusError(codes.InvalidArgument, "method %s is %s, not %s", method, known, shape)
	}
	r.methods[method] = shape
	return nil
}

// Accept implements [Acceptor].
func (r *acceptRegistry) Accept(q Poster, method string, shape Shape, connect Tag) (ServerStream, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrShutdown
	}
	if err := r.registerLocked(method, shape); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	stream := &asyncServerStream{q: q, shape: shape}
	if waiting := r.incoming[method]; len(waiting) > 0 {
		in := waiting[0]
		r.incoming[method] = waiting[1:]
		r.mu.Unlock()
		stream.raw, stream.recv = in.raw, in.req
		q.Post(connect, true)
		return stream, nil
	}
	r.pending[method] = append(r.pending[method], &pendingAccept{connect: connect, stream: stream})
	r.mu.Unlock()
	return stream, nil
}

// shapeOf returns the shape of a registered method.
func (r *acceptRegistry) shapeOf(method string) (Shape, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	shape, found := r.methods[method]
	return shape, found
}

// serve handles one incoming transport stream. Requests of unary and
// server-stream calls are read before the call is handed to an accept, so a
// broken request never consumes one.
func (r *acceptRegistry) serve(method string, raw rawServerStream) {
	shape, found := r.shapeOf(method)
	if !found {
		_ = raw.Finish(nil, NewStatusError(codes.Unimplemented, "unknown method %s", method))
		return
	}
	var req []byte
	if !shape.clientStreaming() {
		msg, err := raw.RecvMsg()
		if err != nil {
			r.logger.Debug("serverRequestFailed", "method", method, "peer", raw.Peer(), "err", err.Error())
			_ = raw.Finish(nil, NewStatusError(codes.InvalidArgument, "reading request: %v", err))
			return
		}
		req = msg
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = raw.Finish(nil, NewStatusError(codes.Unavailable, "server closed"))
		return
	}
	if waiting := r.pending[method]; len(waiting) > 0 {
		acc := waiting[0]
		r.pending[method] = waiting[1:]
		r.mu.Unlock()
		acc.stream.raw, acc.stream.recv = raw, req
		acc.stream.q.Post(acc.connect, true)
		return
	}
	if len(r.incoming[method]) >= r.backlog {
		r.mu.Unlock()
		r.logger.Warn("serverBacklogFull", "method", method, "peer", raw.Peer())
		_ = raw.Finish(nil, NewStatusError(codes.ResourceExhausted, "too many calls waiting for %s", method))
		return
	}
	r.incoming[method] = append(r.incoming[method], incomingCall{raw: raw, req: req})
	r.mu.Unlock()
}

// close fails every pending accept and every waiting call.
func (r *acceptRegistry) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	pending, incoming := r.pending, r.incoming
	r.pending, r.incoming = nil, nil
	r.mu.Unlock()

	for _, accepts := range pending {
		for _, acc := range accepts {
			acc.stream.q.Post(acc.connect, false)
		}
	}
	for _, calls := range incoming {
		for _, in := range calls {
			_ = in.raw.Finish(nil, NewStatusError(codes.Unavailable, "server closed"))
		}
	}
}
