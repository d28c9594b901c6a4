//go:build grpc

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncrpc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/connectivity"
)

func TestGRPCTransportRegistered(t *testing.T) {
	require.Equal(t, []string{TransportGRPC, TransportZAP}, AvailableTransports())
}

func TestGRPCDialWaitsUntilReady(t *testing.T) {
	server, _ := startServer(t, TransportGRPC)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialServer(t, ctx, TransportGRPC, server)
	client, ok := conn.(*grpcClient)
	require.True(t, ok)
	require.Equal(t, connectivity.Ready, client.conn.GetState())
}

func TestGRPCDialHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Dial(ctx, "127.0.0.1:1", WithTransport(TransportGRPC))
	require.Error(t, err)
}
