// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncrpc

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

func TestFactoryBudget(t *testing.T) {
	h := newClientHarness(t, clientConfig(ShapeUnary, 0))
	require.NoError(t, h.arm())
	require.Len(t, h.engine.calls, 1)

	c, err := h.engine.admit(ShapeUnary)
	require.Nil(t, c)
	require.ErrorIs(t, err, ErrBudgetExhausted)
	var ae *AdmissionError
	require.NotErrorAs(t, err, &ae)

	st := h.engine.Stats()
	require.Equal(t, uint64(1), st.Admitted)
	require.Equal(t, uint64(1), st.Rejected)
	require.Zero(t, st.SlotsLost)
}

func TestFactoryConcurrencyLimit(t *testing.T) {
	cfg := clientConfig(ShapeUnary, 0)
	cfg.MaxTotalCalls = 10
	cfg.MaxConcurrentCalls = 2
	h := newClientHarness(t, cfg)
	require.NoError(t, h.arm())
	tags := h.expect(OpFinish, OpFinish)

	_, err := h.engine.admit(ShapeUnary)
	require.ErrorIs(t, err, ErrConcurrencyLimit)

	h.complete(tags[0], true)
	h.expect(OpFinish)
	require.Len(t, h.engine.calls, 2)
	require.Equal(t, uint64(3), h.engine.Stats().Admitted)
}

func TestFactoryZeroMeansUnlimited(t *testing.T) {
	cfg := clientConfig(ShapeUnary, 0)
	cfg.MaxTotalCalls = 0
	cfg.MaxConcurrentCalls = 0
	h := newClientHarness(t, cfg)
	require.NoError(t, h.arm())
	for range 5 {
		_, err := h.engine.admit(ShapeUnary)
		require.NoError(t, err)
	}
	require.Len(t, h.engine.calls, 6)
}

func TestFactoryIDsAreUnique(t *testing.T) {
	cfg := clientConfig(ShapeUnary, 0)
	cfg.MaxTotalCalls = 0
	cfg.MaxConcurrentCalls = 0
	h := newClientHarness(t, cfg)
	require.NoError(t, h.arm())
	seen := map[CallID]bool{}
	spans := map[string]bool{}
	for range 4 {
		c, err := h.engine.admit(ShapeUnary)
		require.NoError(t, err)
		require.False(t, seen[c.ID])
		require.False(t, spans[c.SpanID])
		seen[c.ID], spans[c.SpanID] = true, true
	}
}

func TestFactoryPanicLosesSlot(t *testing.T) {
	logger, records := captureLogger()
	h := newClientHarness(t, clientConfig(ShapeClientStream, 1), WithLogger(logger))
	h.channel.panicMsg = "boom"
	require.Error(t, h.arm(), "no call admitted")

	_, err := h.engine.admit(ShapeClientStream)
	var ae *AdmissionError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, ShapeClientStream, ae.Shape)
	require.Equal(t, RoleClient, ae.Role)
	require.Contains(t, ae.Error(), "boom")

	require.Zero(t, h.engine.tags.len(), "tags of the lost call released")
	require.Zero(t, h.engine.factory.started, "budget untouched")
	require.Empty(t, h.engine.calls)
	require.Equal(t, uint64(2), h.engine.Stats().SlotsLost)
	require.True(t, hasRecord(records(), slog.LevelError, "callAdmissionFailed"))
}

func TestFactoryAcceptFailureLosesSlot(t *testing.T) {
	h := newServerHarness(t, serverConfig(0))
	h.acceptor.acceptErr = ErrShutdown
	require.Error(t, h.arm())

	_, err := h.engine.admit(ShapeBidiStream)
	var ae *AdmissionError
	require.ErrorAs(t, err, &ae)
	require.ErrorIs(t, err, ErrShutdown)
	require.Equal(t, uint64(5), h.engine.Stats().SlotsLost)
	require.Zero(t, h.engine.tags.len())
}

func TestServerAcceptsDoNotCountTowardLimit(t *testing.T) {
	cfg := serverConfig(0)
	cfg.MaxConcurrentCalls = 1
	h := newServerHarness(t, cfg)
	require.NoError(t, h.arm())
	h.expect(OpConnect, OpConnect, OpConnect, OpConnect)
	require.Len(t, h.engine.calls, len(Shapes))
	require.Zero(t, h.engine.Stats().Rejected)
}

func TestServerServesEveryShapeBelowLimit(t *testing.T) {
	cfg := serverConfig(0)
	cfg.MaxConcurrentCalls = 2
	logger, records := captureLogger()
	h := newServerHarness(t, cfg, WithLogger(logger))
	require.NoError(t, h.arm())
	connects := h.expect(OpConnect, OpConnect, OpConnect, OpConnect)

	// unary and server-stream take both slots
	h.complete(connects[0], true)
	unaryFinish := h.expect(OpConnect, OpFinish)[1]
	h.complete(connects[1], true)
	h.expect(OpConnect, OpFinish)
	require.Equal(t, 2, h.engine.factory.serving)

	// client-stream is refused but its accept is armed again
	h.complete(connects[2], true)
	refused := h.expect(OpConnect, OpFinish)[1]
	require.Equal(t, codes.ResourceExhausted, StatusCode(h.acceptor.stream(ShapeClientStream).status))
	require.Equal(t, uint64(1), h.engine.Stats().Rejected)
	require.True(t, hasRecord(records(), slog.LevelWarn, "callRejected"))
	h.complete(refused, true)
	require.Equal(t, 2, h.engine.factory.serving)

	// a freed slot serves bidi
	h.complete(unaryFinish, true)
	require.Equal(t, 1, h.engine.factory.serving)
	h.complete(connects[3], true)
	h.expect(OpConnect, OpRead)
	require.Equal(t, 2, h.engine.factory.serving)

	armed := map[Shape]int{}
	for _, c := range h.engine.calls {
		if c.Peer == "" {
			armed[c.Shape]++
		}
	}
	for _, shape := range Shapes {
		require.Equal(t, 1, armed[shape], "accept armed for %s", shape)
	}
	st := h.engine.Stats()
	require.Equal(t, uint64(1), st.Failed)
	require.Equal(t, uint64(1), st.Completed)
}
