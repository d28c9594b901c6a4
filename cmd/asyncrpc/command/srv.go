// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package command

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/asyncrpc"
)

// NewServerCommand returns the command serving every route guide method.
func NewServerCommand() *cobra.Command {
	defaults := asyncrpc.NewServerConfig()
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Serve asynchronous calls of every shape",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			env, err := LoadEnv(ctx)
			if err != nil {
				return err
			}
			cfg := asyncrpc.NewServerConfig()
			flags := cmd.Flags()
			n, order, err := applyEngineFlags(flags, env, cfg)
			if err != nil {
				return err
			}
			backlog, _ := flags.GetInt("backlog")

			server, err := asyncrpc.Listen(cfg.Address,
				asyncrpc.WithServerTransport(cfg.Transport),
				asyncrpc.WithServerLogger(Logger),
				asyncrpc.WithBacklog(backlog),
			)
			if err != nil {
				return err
			}
			defer server.Close()

			reg := prometheus.NewRegistry()
			metrics, err := asyncrpc.NewMetrics(reg)
			if err != nil {
				return err
			}
			engines, err := newEngines(n, order, metrics,
				func(q *asyncrpc.Queue, opts ...asyncrpc.EngineOption) (*asyncrpc.Engine, error) {
					return asyncrpc.NewServerEngine(cfg, q, server, opts...)
				})
			if err != nil {
				return err
			}
			stopAdmin, err := serveAdmin(stringSetting(flags, "admin", env.AdminAddress), reg, engines)
			if err != nil {
				return err
			}
			defer stopAdmin()

			Logger.Info("serverStart", "addr", server.Addr(), "transport", cfg.Transport, "engines", n)
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return server.Serve(gctx)
			})
			g.Go(func() error {
				defer server.Close()
				return asyncrpc.RunAll(gctx, engines...)
			})
			err = g.Wait()
			printStats(cmd, engines)
			if err != nil {
				return fmt.Errorf("server: %w", err)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	engineFlags(flags, defaults)
	flags.Int("backlog", asyncrpc.DefaultBacklog, "incoming calls queued while no accept is armed")
	return cmd
}
