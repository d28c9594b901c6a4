// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncrpc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrZAPClosed       = errors.New("zap: connection closed")
	ErrZAPInvalidFrame = errors.New("zap: invalid frame")
)

// MessageType identifies ZAP frame types
type MessageType uint8

const (
	MsgOpen      MessageType = 0x01 // [1 shape][2 methodLen][method]
	MsgData      MessageType = 0x02 // [message]
	MsgHalfClose MessageType = 0x03 // client sends no more data
	MsgStatus    MessageType = 0x04 // [4 code][message]; ends the stream
	MsgCancel    MessageType = 0x05 // client abandons the stream
)

const (
	zapMaxFrame     = 64 * 1024 * 1024 // 64MB max
	zapHeaderLen    = 4
	zapInboxSize    = 128
	zapWriteTimeout = 30 * time.Second
)

// zapFrame is [4 len][1 type][4 streamID][payload], len counting everything
// after itself.
type zapFrame struct {
	typ     MessageType
	stream  uint32
	payload []byte
}

func writeZAPFrame(conn net.Conn, mu *sync.Mutex, typ MessageType, stream uint32, payload []byte) error {
	msgLen := 1 + 4 + len(payload)
	buf := make([]byte, zapHeaderLen+msgLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(msgLen))
	buf[4] = byte(typ)
	binary.BigEndian.PutUint32(buf[5:9], stream)
	copy(buf[9:], payload)

	mu.Lock()
	defer mu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(zapWriteTimeout))
	_, err := conn.Write(buf)
	return err
}

func readZAPFrame(r io.Reader, header []byte) (zapFrame, error) {
	if _, err := io.ReadFull(r, header); err != nil {
		return zapFrame{}, err
	}
	msgLen := binary.BigEndian.Uint32(header)
	if msgLen < 5 || msgLen > zapMaxFrame {
		return zapFrame{}, ErrZAPInvalidFrame
	}
	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(r, msg); err != nil {
		return zapFrame{}, err
	}
	return zapFrame{
		typ:     MessageType(msg[0]),
		stream:  binary.BigEndian.Uint32(msg[1:5]),
		payload: msg[5:],
	}, nil
}

func encodeZAPOpen(method string, shape Shape) []byte {
	buf := make([]byte, 3+len(method))
	buf[0] = byte(shape)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(method)))
	copy(buf[3:], method)
	return buf
}

func decodeZAPOpen(payload []byte) (string, Shape, error) {
	if len(payload) < 3 {
		return "", 0, ErrZAPInvalidFrame
	}
	methodLen := int(binary.BigEndian.Uint16(payload[1:3]))
	if len(payload) != 3+methodLen {
		return "", 0, ErrZAPInvalidFrame
	}
	return string(payload[3:]), Shape(payload[0]), nil
}

func encodeZAPStatus(err error) []byte {
	msg := statusMessage(err)
	buf := make([]byte, 4+len(msg))
	binary.BigEndian.PutUint32(buf[0:4], uint32(StatusCode(err)))
	copy(buf[4:], msg)
	return buf
}

// decodeZAPStatus returns nil for an OK status.
func decodeZAPStatus(payload []byte) error {
	if len(payload) < 4 {
		return ErrZAPInvalidFrame
	}
	code := codes.Code(binary.BigEndian.Uint32(payload[0:4]))
	if code == codes.OK {
		return nil
	}
	return &StatusError{Code: code, Message: string(payload[4:])}
}

func contextStatus(ctx context.Context) error {
	return status.FromContextError(ctx.Err()).Err()
}

// ZAPConn is a client connection multiplexing streams over one TCP
// connection.
type ZAPConn struct {
	conn     net.Conn
	writeMu  sync.Mutex
	streams  sync.Map // streamID -> *ZAPClientStream
	nextID   atomic.Uint32
	closed   atomic.Bool
	readDone chan struct{}
}

// ZAPDial connects to a ZAP server
func ZAPDial(ctx context.Context, addr string) (*ZAPConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("zap dial: %w", err)
	}

	zc := &ZAPConn{
		conn:     conn,
		readDone: make(chan struct{}),
	}
	go zc.readLoop()
	return zc, nil
}

// OpenStream starts a call of the given shape. The stream is abandoned when
// ctx is done.
func (z *ZAPConn) OpenStream(ctx context.Context, method string, shape Shape) (*ZAPClientStream, error) {
	if z.closed.Load() {
		return nil, ErrZAPClosed
	}
	if len(method) > math.MaxUint16 {
		return nil, fmt.Errorf("zap: method name too long (%d bytes)", len(method))
	}

	s := &ZAPClientStream{
		conn:  z,
		id:    z.nextID.Add(1),
		shape: shape,
		ctx:   ctx,
		inbox: make(chan zapFrame, zapInboxSize),
		gone:  make(chan struct{}),
	}
	z.streams.Store(s.id, s)
	if err := z.write(MsgOpen, s.id, encodeZAPOpen(method, shape)); err != nil {
		z.streams.Delete(s.id)
		return nil, fmt.Errorf("zap write: %w", err)
	}
	s.stop = context.AfterFunc(ctx, s.abort)
	return s, nil
}

func (z *ZAPConn) write(typ MessageType, stream uint32, payload []byte) error {
	if z.closed.Load() {
		return ErrZAPClosed
	}
	return writeZAPFrame(z.conn, &z.writeMu, typ, stream, payload)
}

func (z *ZAPConn) readLoop() {
	defer close(z.readDone)

	header := make([]byte, zapHeaderLen)
	for {
		f, err := readZAPFrame(z.conn, header)
		if err != nil {
			return
		}
		if v, ok := z.streams.Load(f.stream); ok {
			v.(*ZAPClientStream).deliver(f)
		}
	}
}

// Close closes the connection
func (z *ZAPConn) Close() error {
	if z.closed.Swap(true) {
		return nil
	}
	return z.conn.Close()
}

// ZAPClientStream is the client end of one ZAP stream.
//
// RecvMsg must not be called concurrently with itself. SendMsg and
// CloseSend must not be called concurrently with each other.
type ZAPClientStream struct {
	conn  *ZAPConn
	id    uint32
	shape Shape
	ctx   context.Context
	inbox chan zapFrame
	stop  func() bool

	gone     chan struct{}
	goneOnce sync.Once

	// owned by the RecvMsg caller
	ended bool
	final error
}

func (s *ZAPClientStream) deliver(f zapFrame) {
	select {
	case s.inbox <- f:
	case <-s.gone:
	}
}

// SendMsg sends one message.
func (s *ZAPClientStream) SendMsg(msg []byte) error {
	if s.released() {
		return io.EOF
	}
	return s.conn.write(MsgData, s.id, msg)
}

// CloseSend tells the server no more messages follow.
func (s *ZAPClientStream) CloseSend() error {
	if s.released() {
		return io.EOF
	}
	return s.conn.write(MsgHalfClose, s.id, nil)
}

// RecvMsg returns the next message, io.EOF after an OK status, or the
// status error.
func (s *ZAPClientStream) RecvMsg() ([]byte, error) {
	if s.ended {
		return nil, s.final
	}
	f, err := s.next()
	if err != nil {
		return nil, s.end(err)
	}
	switch f.typ {
	case MsgData:
		if s.shape.serverStreaming() {
			return f.payload, nil
		}
		// The single response is followed by the status.
		g, err := s.next()
		if err != nil {
			return nil, s.end(err)
		}
		if g.typ != MsgStatus {
			return nil, s.end(ErrZAPInvalidFrame)
		}
		if st := decodeZAPStatus(g.payload); st != nil {
			return nil, s.end(st)
		}
		s.end(io.EOF)
		return f.payload, nil

	case MsgStatus:
		st := decodeZAPStatus(f.payload)
		if st == nil {
			st = io.EOF
		}
		return nil, s.end(st)

	default:
		return nil, s.end(ErrZAPInvalidFrame)
	}
}

func (s *ZAPClientStream) next() (zapFrame, error) {
	select {
	case f := <-s.inbox:
		return f, nil
	case <-s.ctx.Done():
		return zapFrame{}, contextStatus(s.ctx)
	case <-s.conn.readDone:
		select {
		case f := <-s.inbox:
			return f, nil
		default:
			return zapFrame{}, ErrZAPClosed
		}
	}
}

func (s *ZAPClientStream) end(err error) error {
	s.ended, s.final = true, err
	s.release()
	return err
}

func (s *ZAPClientStream) release() {
	s.goneOnce.Do(func() {
		close(s.gone)
		s.conn.streams.Delete(s.id)
		if s.stop != nil {
			s.stop()
		}
	})
}

func (s *ZAPClientStream) released() bool {
	select {
	case <-s.gone:
		return true
	default:
		return false
	}
}

// abort tells the server the stream was abandoned.
func (s *ZAPClientStream) abort() {
	if !s.released() {
		_ = s.conn.write(MsgCancel, s.id, nil)
	}
	s.release()
}

// ZAPServer accepts ZAP connections and hands every opened stream to its
// handler.
type ZAPServer struct {
	listener net.Listener
	handler  ZAPHandler
	conns    sync.Map
	closed   atomic.Bool
}

// ZAPHandler handles opened ZAP streams. It must finish the stream.
type ZAPHandler interface {
	HandleZAP(ctx context.Context, stream *ZAPServerStream)
}

// ZAPHandlerFunc is a function adapter for ZAPHandler
type ZAPHandlerFunc func(ctx context.Context, stream *ZAPServerStream)

func (f ZAPHandlerFunc) HandleZAP(ctx context.Context, stream *ZAPServerStream) {
	f(ctx, stream)
}

// NewZAPServer creates a new ZAP server
func NewZAPServer(listener net.Listener, handler ZAPHandler) *ZAPServer {
	return &ZAPServer{
		listener: listener,
		handler:  handler,
	}
}

// Serve accepts connections until ctx is done or the server is closed.
func (s *ZAPServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("zap accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

type zapServerConn struct {
	conn    net.Conn
	writeMu sync.Mutex
	streams sync.Map // streamID -> *ZAPServerStream
}

func (c *zapServerConn) write(typ MessageType, stream uint32, payload []byte) error {
	return writeZAPFrame(c.conn, &c.writeMu, typ, stream, payload)
}

func (s *ZAPServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	s.conns.Store(conn, struct{}{})
	defer s.conns.Delete(conn)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	zc := &zapServerConn{conn: conn}
	header := make([]byte, zapHeaderLen)
	for {
		f, err := readZAPFrame(conn, header)
		if err != nil {
			return
		}

		switch f.typ {
		case MsgOpen:
			method, shape, err := decodeZAPOpen(f.payload)
			if err != nil {
				_ = zc.write(MsgStatus, f.stream, encodeZAPStatus(NewStatusError(codes.InvalidArgument, "%v", err)))
				continue
			}
			stream := newZAPServerStream(ctx, zc, f.stream, method, shape)
			zc.streams.Store(f.stream, stream)
			go s.handler.HandleZAP(stream.ctx, stream)

		case MsgData, MsgHalfClose:
			if v, ok := zc.streams.Load(f.stream); ok {
				v.(*ZAPServerStream).deliver(f)
			}

		case MsgCancel:
			if v, ok := zc.streams.Load(f.stream); ok {
				v.(*ZAPServerStream).cancel()
			}
		}
	}
}

// Close closes the server
func (s *ZAPServer) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.conns.Range(func(key, _ any) bool {
		key.(net.Conn).Close()
		return true
	})
	return s.listener.Close()
}

// Addr returns the listener address
func (s *ZAPServer) Addr() net.Addr {
	return s.listener.Addr()
}

// ZAPServerStream is the server end of one ZAP stream.
type ZAPServerStream struct {
	conn   *zapServerConn
	id     uint32
	method string
	shape  Shape
	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan zapFrame

	finished atomic.Bool

	// owned by the RecvMsg caller
	halfClosed bool
}

func newZAPServerStream(ctx context.Context, conn *zapServerConn, id uint32, method string, shape Shape) *ZAPServerStream {
	ctx, cancel := context.WithCancel(ctx)
	return &ZAPServerStream{
		conn:   conn,
		id:     id,
		method: method,
		shape:  shape,
		ctx:    ctx,
		cancel: cancel,
		inbox:  make(chan zapFrame, zapInboxSize),
	}
}

// Method returns the method the client opened the stream for.
func (s *ZAPServerStream) Method() string {
	return s.method
}

// Shape returns the shape announced by the client.
func (s *ZAPServerStream) Shape() Shape {
	return s.shape
}

func (s *ZAPServerStream) deliver(f zapFrame) {
	select {
	case s.inbox <- f:
	case <-s.ctx.Done():
	}
}

// RecvMsg returns the next message, or io.EOF once the client half-closed.
func (s *ZAPServerStream) RecvMsg() ([]byte, error) {
	if s.halfClosed {
		return nil, io.EOF
	}
	select {
	case f := <-s.inbox:
		if f.typ == MsgHalfClose {
			s.halfClosed = true
			return nil, io.EOF
		}
		return f.payload, nil
	case <-s.ctx.Done():
		return nil, contextStatus(s.ctx)
	}
}

// SendMsg sends one message.
func (s *ZAPServerStream) SendMsg(msg []byte) error {
	if s.finished.Load() {
		return ErrZAPClosed
	}
	if err := s.ctx.Err(); err != nil {
		return contextStatus(s.ctx)
	}
	return s.conn.write(MsgData, s.id, msg)
}

// Finish sends reply, unless nil or the status is not OK, then the status.
func (s *ZAPServerStream) Finish(reply []byte, st error) error {
	if s.finished.Swap(true) {
		return ErrZAPClosed
	}
	defer func() {
		s.conn.streams.Delete(s.id)
		s.cancel()
	}()
	if err := s.ctx.Err(); err != nil {
		return contextStatus(s.ctx)
	}
	if reply != nil && st == nil {
		if err := s.conn.write(MsgData, s.id, reply); err != nil {
			return err
		}
	}
	return s.conn.write(MsgStatus, s.id, encodeZAPStatus(st))
}

// Peer returns the client address.
func (s *ZAPServerStream) Peer() string {
	return s.conn.conn.RemoteAddr().String()
}
