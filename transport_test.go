// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncrpc

import (
	"context"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

// callResult is what a finished client call left behind.
type callResult struct {
	status   error
	response []byte
	sent     int
	received int
}

// recordingHandler is a [*RouteHandler] remembering every finished call.
type recordingHandler struct {
	*RouteHandler

	mu      sync.Mutex
	results []callResult
}

func (h *recordingHandler) Done(c *Call, status error) {
	h.RouteHandler.Done(c, status)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = append(h.results, callResult{
		status:   status,
		response: c.Response,
		sent:     c.Sent,
		received: c.Received,
	})
}

// startServer listens on a random port and runs a server engine until the
// test ends.
func startServer(t *testing.T, transport string) (Server, *Engine) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	server, err := Listen("127.0.0.1:0", WithServerTransport(transport))
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })
	go server.Serve(ctx)

	cfg := NewServerConfig()
	cfg.StreamMessages = 3
	cfg.PollInterval = 50 * time.Millisecond
	engine, err := NewServerEngine(cfg, NewQueue(OrderFIFO), server,
		WithName("server-"+transport),
		WithHandler(NewRouteHandler(DefaultSLogger())),
	)
	require.NoError(t, err)
	errc := make(chan error, 1)
	go func() { errc <- engine.Run(ctx) }()
	t.Cleanup(func() {
		engine.Stop()
		<-errc
	})
	return server, engine
}

func dialServer(t *testing.T, ctx context.Context, transport string, server Server) Conn {
	conn, err := Dial(ctx, server.Addr(), WithTransport(transport))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestTransportRoundTrip(t *testing.T) {
	for _, transport := range AvailableTransports() {
		t.Run(transport, func(t *testing.T) {
			server, _ := startServer(t, transport)

			for _, shape := range Shapes {
				t.Run(shape.String(), func(t *testing.T) {
					ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					conn := dialServer(t, ctx, transport, server)

					cfg := clientConfig(shape, 3)
					cfg.MaxTotalCalls = 4
					cfg.MaxConcurrentCalls = 2
					cfg.CallTimeout = 5 * time.Second
					cfg.PollInterval = 50 * time.Millisecond
					handler := &recordingHandler{RouteHandler: NewRouteHandler(DefaultSLogger())}
					engine, err := NewClientEngine(cfg, NewQueue(OrderFIFO), conn, WithHandler(handler))
					require.NoError(t, err)
					require.NoError(t, engine.Run(ctx))

					st := engine.Stats()
					require.Equal(t, uint64(4), st.Completed)
					require.Zero(t, st.Failed)
					require.Len(t, handler.results, 4)
					for _, r := range handler.results {
						require.NoError(t, r.status)
						switch shape {
						case ShapeUnary:
							var feature Feature
							require.NoError(t, handler.Codec.Decode(r.response, &feature))
							require.Equal(t, "whatever", feature.Name)
						case ShapeServerStream:
							require.Equal(t, 3, r.received)
						case ShapeClientStream:
							require.Equal(t, 3, r.sent)
							var summary RouteSummary
							require.NoError(t, handler.Codec.Decode(r.response, &summary))
							require.Equal(t, 3, summary.PointCount)
						case ShapeBidiStream:
							require.Equal(t, 3, r.sent)
							require.Equal(t, 3, r.received)
						}
					}
				})
			}
		})
	}
}

func TestTransportUnknownMethod(t *testing.T) {
	for _, transport := range AvailableTransports() {
		t.Run(transport, func(t *testing.T) {
			server, _ := startServer(t, transport)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			conn := dialServer(t, ctx, transport, server)

			handler := &recordingHandler{RouteHandler: NewRouteHandler(DefaultSLogger())}
			engine, err := NewClientEngine(clientConfig(ShapeUnary, 0), NewQueue(OrderFIFO), conn,
				WithHandler(handler),
				WithMethod(ShapeUnary, "/nope.Service/Missing"),
			)
			require.NoError(t, err)
			require.NoError(t, engine.Run(ctx))

			require.Len(t, handler.results, 1)
			require.Equal(t, codes.Unimplemented, StatusCode(handler.results[0].status))
			require.Equal(t, uint64(1), engine.Stats().Failed)
		})
	}
}

func TestServerEngineExitsWhenServerCloses(t *testing.T) {
	for _, transport := range AvailableTransports() {
		t.Run(transport, func(t *testing.T) {
			server, err := Listen("127.0.0.1:0", WithServerTransport(transport))
			require.NoError(t, err)
			engine, err := NewServerEngine(NewServerConfig(), NewQueue(OrderFIFO), server)
			require.NoError(t, err)

			errc := make(chan error, 1)
			go func() { errc <- engine.Run(context.Background()) }()
			require.Eventually(t, func() bool {
				return engine.Stats().Live == int64(len(Shapes))
			}, 5*time.Second, 5*time.Millisecond)

			require.NoError(t, server.Close())
			select {
			case err := <-errc:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("Run did not return after Close")
			}
			st := engine.Stats()
			require.Equal(t, uint64(len(Shapes)), st.Failed)
			require.Zero(t, st.Live)
		})
	}
}

func TestDialErrors(t *testing.T) {
	ctx := context.Background()
	_, err := Dial(ctx, "127.0.0.1:1", WithTransport("carrier-pigeon"))
	require.ErrorIs(t, err, ErrUnknownTransport)
	_, err = Listen("127.0.0.1:0", WithServerTransport("carrier-pigeon"))
	require.ErrorIs(t, err, ErrUnknownTransport)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	for _, transport := range AvailableTransports() {
		t.Run(transport, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			_, err := Dial(ctx, addr, WithTransport(transport))
			require.Error(t, err)
			require.NoError(t, ctx.Err(), "refused before the deadline")
		})
	}
}

func TestAvailableTransports(t *testing.T) {
	names := AvailableTransports()
	require.Contains(t, names, TransportZAP)
	require.True(t, slices.IsSorted(names))
	require.True(t, HasTransport(DefaultTransport))
}
