// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/luxfi/asyncrpc"
)

// Logger is set by the root command before any subcommand runs.
var Logger = slog.New(slog.DiscardHandler)

// signalContext is canceled on SIGINT or SIGQUIT. SIGHUP is ignored.
func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	signal.Ignore(syscall.SIGHUP)
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGQUIT)
}

// newEngines builds n engines, each with its own queue, sharing metrics.
func newEngines(
	n int,
	order asyncrpc.Order,
	metrics *asyncrpc.Metrics,
	build func(queue *asyncrpc.Queue, opts ...asyncrpc.EngineOption) (*asyncrpc.Engine, error),
) ([]*asyncrpc.Engine, error) {
	engines := make([]*asyncrpc.Engine, 0, n)
	handler := asyncrpc.NewRouteHandler(Logger)
	for i := range n {
		e, err := build(asyncrpc.NewQueue(order),
			asyncrpc.WithName(fmt.Sprintf("engine-%d", i)),
			asyncrpc.WithHandler(handler),
			asyncrpc.WithLogger(Logger),
			asyncrpc.WithMetrics(metrics),
		)
		if err != nil {
			return nil, err
		}
		engines = append(engines, e)
	}
	return engines, nil
}

// serveAdmin starts the admin endpoint on addr unless addr is empty. The
// returned function shuts it down.
func serveAdmin(addr string, reg *prometheus.Registry, engines []*asyncrpc.Engine) (func(), error) {
	if addr == "" {
		return func() {}, nil
	}
	handler, err := asyncrpc.NewAdminHandler(reg, Logger, engines...)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("admin listen on %s: %w", addr, err)
	}
	server := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger.Warn("adminServeFailed", "err", err.Error())
		}
	}()
	Logger.Info("adminListening", "addr", ln.Addr().String())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}, nil
}

func printStats(cmd *cobra.Command, engines []*asyncrpc.Engine) {
	var total asyncrpc.Stats
	for _, e := range engines {
		st := e.Stats()
		cmd.Printf("%s: admitted=%d completed=%d failed=%d rejected=%d lost=%d events=%d deferred=%d\n",
			st.Name, st.Admitted, st.Completed, st.Failed, st.Rejected, st.SlotsLost, st.Events, st.Deferred)
		total.Admitted += st.Admitted
		total.Completed += st.Completed
		total.Failed += st.Failed
	}
	if len(engines) > 1 {
		cmd.Printf("total: admitted=%d completed=%d failed=%d\n", total.Admitted, total.Completed, total.Failed)
	}
}
