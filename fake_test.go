// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncrpc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bassosimone/slogstub"
	"github.com/stretchr/testify/require"
)

// fakeOp is one suboperation handed to a fake stream.
type fakeOp struct {
	stream int
	op     Op
	tag    Tag
	msg    []byte
}

// fakeLog records the suboperations of every fake stream in issue order.
type fakeLog struct {
	mu  sync.Mutex
	ops []fakeOp
}

func (l *fakeLog) add(stream int, op Op, tag Tag, msg []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, fakeOp{stream: stream, op: op, tag: tag, msg: msg})
}

func (l *fakeLog) drain() []fakeOp {
	l.mu.Lock()
	defer l.mu.Unlock()
	ops := l.ops
	l.ops = nil
	return ops
}

// fakeChannel is a [Channel] whose streams only record what they are asked.
type fakeChannel struct {
	log      *fakeLog
	streams  []*fakeClientStream
	status   error
	response []byte
	panicMsg string
}

var _ Channel = &fakeChannel{}

func (f *fakeChannel) open(req []byte) *fakeClientStream {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	s := &fakeClientStream{id: len(f.streams), log: f.log, status: f.status, response: f.response, request: req}
	f.streams = append(f.streams, s)
	return s
}

func (f *fakeChannel) StartUnary(ctx context.Context, q Poster, method string, req []byte) ClientStream {
	return f.open(req)
}

func (f *fakeChannel) StartStream(ctx context.Context, q Poster, method string, shape Shape, req []byte, connect Tag) ClientStream {
	s := f.open(req)
	f.log.add(s.id, OpConnect, connect, req)
	return s
}

type fakeClientStream struct {
	id       int
	log      *fakeLog
	request  []byte
	response []byte
	status   error
	canceled bool
}

var _ ClientStream = &fakeClientStream{}

func (s *fakeClientStream) Read(tag Tag)              { s.log.add(s.id, OpRead, tag, nil) }
func (s *fakeClientStream) Recv() []byte              { return s.response }
func (s *fakeClientStream) Write(msg []byte, tag Tag) { s.log.add(s.id, OpWrite, tag, msg) }
func (s *fakeClientStream) CloseSend(tag Tag)         { s.log.add(s.id, OpWriteDone, tag, nil) }
func (s *fakeClientStream) Finish(tag Tag)            { s.log.add(s.id, OpFinish, tag, nil) }
func (s *fakeClientStream) Status() error             { return s.status }
func (s *fakeClientStream) Cancel()                   { s.canceled = true }

// fakeAcceptor is an [Acceptor] handing out recording server streams.
type fakeAcceptor struct {
	log        *fakeLog
	streams    []*fakeServerStream
	request    []byte
	acceptErr  error
	registered map[string]Shape
}

var (
	_ Acceptor        = &fakeAcceptor{}
	_ MethodRegistrar = &fakeAcceptor{}
)

func (f *fakeAcceptor) RegisterMethod(method string, shape Shape) error {
	if f.registered == nil {
		f.registered = make(map[string]Shape)
	}
	f.registered[method] = shape
	return nil
}

func (f *fakeAcceptor) Accept(q Poster, method string, shape Shape, connect Tag) (ServerStream, error) {
	if f.acceptErr != nil {
		return nil, f.acceptErr
	}
	s := &fakeServerStream{id: len(f.streams), log: f.log, shape: shape, request: f.request}
	f.streams = append(f.streams, s)
	f.log.add(s.id, OpConnect, connect, nil)
	return s, nil
}

// stream returns the first server stream accepted for shape.
func (f *fakeAcceptor) stream(shape Shape) *fakeServerStream {
	for _, s := range f.streams {
		if s.shape == shape {
			return s
		}
	}
	return nil
}

type fakeServerStream struct {
	id      int
	log     *fakeLog
	shape   Shape
	request []byte
	reply   []byte
	status  error
}

var _ ServerStream = &fakeServerStream{}

func (s *fakeServerStream) Read(tag Tag)              { s.log.add(s.id, OpRead, tag, nil) }
func (s *fakeServerStream) Recv() []byte              { return s.request }
func (s *fakeServerStream) Peer() string              { return fmt.Sprintf("fake:%d", s.id) }
func (s *fakeServerStream) Write(msg []byte, tag Tag) { s.log.add(s.id, OpWrite, tag, msg) }

func (s *fakeServerStream) Finish(reply []byte, status error, tag Tag) {
	s.reply, s.status = reply, status
	s.log.add(s.id, OpFinish, tag, reply)
}

// harness steps an engine by hand, without running its loop.
type harness struct {
	t        *testing.T
	queue    *Queue
	engine   *Engine
	log      *fakeLog
	channel  *fakeChannel
	acceptor *fakeAcceptor
	done     []*Call
}

func (h *harness) options(opts []EngineOption) []EngineOption {
	handler := &HandlerFuncs{
		RequestFunc: func(c *Call) []byte { return []byte("request") },
		NextFunc:    func(c *Call, n int) []byte { return []byte(fmt.Sprintf("message #%d", n+1)) },
		ReplyFunc:   func(c *Call) ([]byte, error) { return []byte("reply"), nil },
		DoneFunc:    func(c *Call, status error) { h.done = append(h.done, c) },
	}
	return append([]EngineOption{WithHandler(handler)}, opts...)
}

func newClientHarness(t *testing.T, cfg *Config, opts ...EngineOption) *harness {
	log := &fakeLog{}
	h := &harness{t: t, queue: NewQueue(OrderFIFO), log: log, channel: &fakeChannel{log: log, response: []byte("response")}}
	e, err := NewClientEngine(cfg, h.queue, h.channel, h.options(opts)...)
	require.NoError(t, err)
	h.engine = e
	return h
}

func newServerHarness(t *testing.T, cfg *Config, opts ...EngineOption) *harness {
	log := &fakeLog{}
	h := &harness{t: t, queue: NewQueue(OrderFIFO), log: log, acceptor: &fakeAcceptor{log: log, request: []byte("request")}}
	e, err := NewServerEngine(cfg, h.queue, h.acceptor, h.options(opts)...)
	require.NoError(t, err)
	h.engine = e
	return h
}

// arm admits the first calls as Run would.
func (h *harness) arm() error {
	h.engine.ctx = context.Background()
	return h.engine.arm()
}

// expect checks the suboperations issued since the last call and returns
// their tags.
func (h *harness) expect(ops ...Op) []Tag {
	h.t.Helper()
	got := h.log.drain()
	var names, want []string
	tags := make([]Tag, 0, len(got))
	for _, op := range got {
		names = append(names, op.op.String())
		tags = append(tags, op.tag)
	}
	for _, op := range ops {
		want = append(want, op.String())
	}
	require.Equal(h.t, want, names)
	return tags
}

// complete delivers the completion of tag to the engine.
func (h *harness) complete(tag Tag, ok bool) {
	h.engine.dispatch(Event{Tag: tag, OK: ok})
}

// step dispatches the next event from the queue.
func (h *harness) step() {
	h.t.Helper()
	ev, status := h.queue.Next(time.Now())
	require.Equal(h.t, NextEvent, status)
	h.engine.dispatch(ev)
}

// call returns the only live call.
func (h *harness) call() *Call {
	h.t.Helper()
	require.Len(h.t, h.engine.calls, 1)
	for _, c := range h.engine.calls {
		return c
	}
	return nil
}

// logRecord is one captured log line.
type logRecord struct {
	level slog.Level
	msg   string
}

// captureLogger returns a logger recording every message at any level.
func captureLogger() (*slog.Logger, func() []logRecord) {
	var (
		mu      sync.Mutex
		records []logRecord
	)
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool { return true },
		HandleFunc: func(ctx context.Context, r slog.Record) error {
			mu.Lock()
			records = append(records, logRecord{level: r.Level, msg: r.Message})
			mu.Unlock()
			return nil
		},
	}
	return slog.New(handler), func() []logRecord {
		mu.Lock()
		defer mu.Unlock()
		return append([]logRecord(nil), records...)
	}
}

func hasRecord(records []logRecord, level slog.Level, msg string) bool {
	for _, r := range records {
		if r.level == level && r.msg == msg {
			return true
		}
	}
	return false
}
