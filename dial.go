// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncrpc

import (
	"context"
	"fmt"
	"net"
)

// Dial connects to a server using the default transport (ZAP).
// Use WithTransport for transport selection.
func Dial(ctx context.Context, addr string, opts ...DialOption) (Conn, error) {
	o := &dialOptions{
		transport: DefaultTransport,
		logger:    DefaultSLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	t, ok := lookupTransport(o.transport)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransport, o.transport)
	}
	return t.dial(ctx, addr, o)
}

// Listen creates a server listener using the default transport (ZAP).
func Listen(addr string, opts ...ServerOption) (Server, error) {
	o := &serverOptions{
		transport: DefaultTransport,
		logger:    DefaultSLogger(),
		backlog:   DefaultBacklog,
	}
	for _, opt := range opts {
		opt(o)
	}
	t, ok := lookupTransport(o.transport)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransport, o.transport)
	}
	return t.listen(addr, o)
}

// dialZAP creates a ZAP client
func dialZAP(ctx context.Context, addr string, o *dialOptions) (Conn, error) {
	conn, err := ZAPDial(ctx, addr)
	if err != nil {
		return nil, err
	}
	o.logger.Info("zapDial", "addr", addr, "local", conn.conn.LocalAddr().String())
	return &zapClient{conn: conn}, nil
}

// listenZAP creates a ZAP server
func listenZAP(addr string, o *serverOptions) (Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &zapServer{acceptRegistry: newAcceptRegistry(o.backlog, o.logger)}
	s.server = NewZAPServer(listener, ZAPHandlerFunc(func(ctx context.Context, stream *ZAPServerStream) {
		s.serve(stream.Method(), stream)
	}))
	return s, nil
}

// zapClient implements Conn using ZAP transport
type zapClient struct {
	conn *ZAPConn
}

func (c *zapClient) StartUnary(ctx context.Context, q Poster, method string, req []byte) ClientStream {
	return startAsync(ctx, q, ShapeUnary, req, NoTag, c.opener(method, ShapeUnary))
}

func (c *zapClient) StartStream(ctx context.Context, q Poster, method string, shape Shape, req []byte, connect Tag) ClientStream {
	return startAsync(ctx, q, shape, req, connect, c.opener(method, shape))
}

func (c *zapClient) opener(method string, shape Shape) rawOpener {
	return func(ctx context.Context) (rawClientStream, error) {
		stream, err := c.conn.OpenStream(ctx, method, shape)
		if err != nil {
			return nil, err
		}
		return stream, nil
	}
}

func (c *zapClient) Close() error {
	return c.conn.Close()
}

// zapServer implements Server using ZAP transport
type zapServer struct {
	*acceptRegistry
	server *ZAPServer
}

func (s *zapServer) Serve(ctx context.Context) error {
	return s.server.Serve(ctx)
}

func (s *zapServer) Close() error {
	s.close()
	return s.server.Close()
}

func (s *zapServer) Addr() string {
	return s.server.Addr().String()
}
