//go:build grpc

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncrpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

func init() {
	registerTransport(TransportGRPC, dialGRPC, listenGRPC)
}

func dialGRPC(ctx context.Context, addr string, o *dialOptions) (Conn, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(grpcCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}
	if err := waitReady(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	o.logger.Info("grpcDial", "addr", addr, "state", conn.GetState().String())
	return &grpcClient{conn: conn}, nil
}

// waitReady leaves idle mode and waits until the channel is ready. A
// channel failing its first connection attempt would fail every call.
func waitReady(ctx context.Context, conn *grpc.ClientConn) error {
	conn.Connect()
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.TransientFailure, connectivity.Shutdown:
			return fmt.Errorf("channel failed to initialize: %s", state)
		}
		if !conn.WaitForStateChange(ctx, state) {
			return ctx.Err()
		}
	}
}

func listenGRPC(addr string, o *serverOptions) (Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("grpc listen: %w", err)
	}
	s := &grpcServer{
		listener:       listener,
		acceptRegistry: newAcceptRegistry(o.backlog, o.logger),
	}
	s.server = grpc.NewServer(
		grpc.ForceServerCodec(grpcCodec{}),
		grpc.UnknownServiceHandler(s.handle),
	)
	return s, nil
}

// grpcClient implements Conn on a grpc ClientConn.
type grpcClient struct {
	conn *grpc.ClientConn
}

func (c *grpcClient) StartUnary(ctx context.Context, q Poster, method string, req []byte) ClientStream {
	return startAsync(ctx, q, ShapeUnary, req, NoTag, c.opener(method, ShapeUnary))
}

func (c *grpcClient) StartStream(ctx context.Context, q Poster, method string, shape Shape, req []byte, connect Tag) ClientStream {
	return startAsync(ctx, q, shape, req, connect, c.opener(method, shape))
}

func (c *grpcClient) opener(method string, shape Shape) rawOpener {
	desc := &grpc.StreamDesc{
		StreamName:    method,
		ServerStreams: shape.serverStreaming(),
		ClientStreams: shape.clientStreaming(),
	}
	return func(ctx context.Context) (rawClientStream, error) {
		cs, err := c.conn.NewStream(ctx, desc, method)
		if err != nil {
			return nil, err
		}
		return &grpcClientStream{cs: cs}, nil
	}
}

func (c *grpcClient) Close() error {
	return c.conn.Close()
}

type grpcClientStream struct {
	cs grpc.ClientStream
}

func (s *grpcClientStream) SendMsg(msg []byte) error {
	return s.cs.SendMsg(&msg)
}

func (s *grpcClientStream) CloseSend() error {
	return s.cs.CloseSend()
}

func (s *grpcClientStream) RecvMsg() ([]byte, error) {
	var msg []byte
	if err := s.cs.RecvMsg(&msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// grpcServer implements Server with a grpc server accepting any method.
type grpcServer struct {
	*acceptRegistry
	listener  net.Listener
	server    *grpc.Server
	closeOnce sync.Once
}

func (s *grpcServer) handle(_ any, ss grpc.ServerStream) error {
	method, ok := grpc.MethodFromServerStream(ss)
	if !ok {
		return status.Error(codes.Internal, "no method in stream context")
	}
	stream := &grpcServerStream{ss: ss, fin: make(chan struct{})}
	if p, ok := peer.FromContext(ss.Context()); ok {
		stream.peer = p.Addr.String()
	}
	s.serve(method, stream)
	select {
	case <-stream.fin:
		return stream.status
	case <-ss.Context().Done():
		return status.FromContextError(ss.Context().Err()).Err()
	}
}

func (s *grpcServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()
	err := s.server.Serve(s.listener)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

func (s *grpcServer) Close() error {
	s.closeOnce.Do(func() {
		s.close()
		s.server.Stop()
	})
	return nil
}

func (s *grpcServer) Addr() string {
	return s.listener.Addr().String()
}

// grpcServerStream keeps the grpc handler alive until Finish.
type grpcServerStream struct {
	ss     grpc.ServerStream
	peer   string
	fin    chan struct{}
	once   sync.Once
	status error
}

func (s *grpcServerStream) RecvMsg() ([]byte, error) {
	var msg []byte
	if err := s.ss.RecvMsg(&msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *grpcServerStream) SendMsg(msg []byte) error {
	return s.ss.SendMsg(&msg)
}

func (s *grpcServerStream) Finish(reply []byte, st error) error {
	var err error
	if reply != nil && st == nil {
		err = s.ss.SendMsg(&reply)
	}
	s.once.Do(func() {
		s.status = st
		if err != nil && st == nil {
			s.status = err
		}
		close(s.fin)
	})
	return err
}

func (s *grpcServerStream) Peer() string {
	return s.peer
}
