// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package asyncrpc drives many concurrent asynchronous remote calls from a
// single ordered queue of completion events.
//
// # Model
//
// An [Engine] owns one [CompletionQueue] and every call it admitted. Each
// suboperation a call issues (CONNECT, READ, WRITE, WRITE_DONE, FINISH) gets
// a fresh [Tag]. Transports perform the blocking work on their own
// goroutines and post (tag, ok) to the queue; [Engine.Run] polls the queue,
// resolves the tag to its call and hands the completion to the call's
// [Machine]. A call is torn down once it has no outstanding suboperation and
// its machine reached a terminal state, exactly once.
//
// Calls come in four shapes: unary, server-stream, client-stream and bidi.
// Clients admit calls up to a concurrency limit and a total budget and
// chain a new call after each success. Servers keep one accept armed per
// shape and re-arm it as soon as a peer connects.
//
// # Transport Selection
//
// ZAP, a framed stream protocol over TCP, is the default transport. gRPC,
// without generated stubs through a raw-bytes codec, is enabled by a build
// tag:
//
//	go build -tags grpc
//
//	conn, err := asyncrpc.Dial(ctx, "127.0.0.1:10123", asyncrpc.WithTransport("grpc"))
//
// # Usage
//
// Client usage:
//
//	conn, err := asyncrpc.Dial(ctx, addr)
//	if err != nil {
//	    return err
//	}
//	defer conn.Close()
//
//	cfg := asyncrpc.NewConfig()
//	cfg.Shape = asyncrpc.ShapeBidiStream
//	cfg.MaxTotalCalls = 100
//	cfg.MaxConcurrentCalls = 4
//	engine, err := asyncrpc.NewClientEngine(cfg, asyncrpc.NewQueue(asyncrpc.OrderFIFO), conn,
//	    asyncrpc.WithHandler(asyncrpc.NewRouteHandler(logger)),
//	    asyncrpc.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	err = engine.Run(ctx)
//
// Server usage:
//
//	server, err := asyncrpc.Listen(":10123")
//	if err != nil {
//	    return err
//	}
//	defer server.Close()
//	go server.Serve(ctx)
//
//	engine, err := asyncrpc.NewServerEngine(asyncrpc.NewServerConfig(),
//	    asyncrpc.NewQueue(asyncrpc.OrderFIFO), server)
//	if err != nil {
//	    return err
//	}
//	err = engine.Run(ctx)
//
// # Architecture
//
//   - tag.go, lifecycle.go: operation tags and per-call lifecycle counters
//   - completion.go: the completion queue
//   - unary.go, serverstream.go, clientstream.go, bidi.go: state machines
//   - factory.go, engine.go: admission control and the dispatch loop
//   - client.go: collaborator interfaces implemented by transports
//   - stream.go: async adapter shared by transports
//   - zap.go, dial.go: ZAP transport; dial_grpc.go: gRPC transport
//   - admin.go, json.go: JSON-RPC admin endpoint and client
//   - group.go: running several engines together
//   - cmd/asyncrpc: the client, server and admin command line
package asyncrpc
