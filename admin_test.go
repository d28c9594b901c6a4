// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncrpc

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func newAdminServer(t *testing.T, engines ...*Engine) *url.URL {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)
	for _, e := range engines {
		e.metrics = metrics
	}
	handler, err := NewAdminHandler(reg, nil, engines...)
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	uri, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return uri
}

func newLoopbackEngine(t *testing.T, name string, total int) *Engine {
	cfg := clientConfig(ShapeUnary, 0)
	cfg.MaxTotalCalls = total
	e, err := NewClientEngine(cfg, NewQueue(OrderFIFO), loopbackChannel{}, WithName(name))
	require.NoError(t, err)
	return e
}

func TestAdminStats(t *testing.T) {
	alpha := newLoopbackEngine(t, "alpha", 2)
	beta := newLoopbackEngine(t, "beta", 3)
	base := newAdminServer(t, alpha, beta)
	require.NoError(t, RunAll(context.Background(), alpha, beta))

	reply, err := AdminStats(context.Background(), base.JoinPath(AdminRPCPath))
	require.NoError(t, err)
	require.Len(t, reply.Engines, 2)
	require.Equal(t, "alpha", reply.Engines[0].Name)
	require.Equal(t, "client", reply.Engines[0].Role)
	require.Equal(t, uint64(2), reply.Engines[0].Completed)
	require.Equal(t, uint64(5), reply.Total.Completed)
	require.Equal(t, uint64(5), reply.Total.Admitted)

	resp, err := http.Get(base.JoinPath(AdminMetricsPath).String())
	require.NoError(t, err)
	defer CleanlyCloseBody(resp.Body)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "asyncrpc_calls_completed_total")
}

func TestAdminStop(t *testing.T) {
	alpha := newLoopbackEngine(t, "alpha", 1)
	beta := newLoopbackEngine(t, "beta", 1)
	uri := newAdminServer(t, alpha, beta).JoinPath(AdminRPCPath)
	ctx := context.Background()

	_, err := AdminStop(ctx, uri, "gamma")
	require.Error(t, err)

	reply, err := AdminStop(ctx, uri, "beta")
	require.NoError(t, err)
	require.Equal(t, []string{"beta"}, reply.Stopped)

	reply, err = AdminStop(ctx, uri, "", WithHeader("X-Request-Id", "1"))
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "beta"}, reply.Stopped)
	require.Equal(t, 0, alpha.queue.(*Queue).Len())
	require.False(t, alpha.queue.Post(1, true), "queue shut down")
}

func TestRunAllReturnsFirstError(t *testing.T) {
	ok := newLoopbackEngine(t, "ok", 2)
	broken := newLoopbackEngine(t, "broken", 1)
	require.NoError(t, broken.Run(context.Background()))

	err := RunAll(context.Background(), ok, broken)
	require.ErrorIs(t, err, ErrEngineRunning)
}
