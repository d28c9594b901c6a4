// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package command

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/luxfi/asyncrpc"
)

// NewClientCommand returns the command driving calls against a server.
func NewClientCommand() *cobra.Command {
	defaults := asyncrpc.NewConfig()
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Issue asynchronous calls against a server",
		Long: `client dials a server and runs one or more engines, each admitting calls of
a single shape until its total budget is spent.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			env, err := LoadEnv(ctx)
			if err != nil {
				return err
			}
			cfg := asyncrpc.NewConfig()
			flags := cmd.Flags()
			shape, err := asyncrpc.ParseShape(stringSetting(flags, "shape", env.Shape))
			if err != nil {
				return err
			}
			cfg.Shape = shape
			cfg.MaxTotalCalls = intSetting(flags, "requests", env.Requests)
			cfg.MaxConcurrentCalls = intSetting(flags, "parallel", env.Parallel)
			cfg.CallTimeout = durationSetting(flags, "call-timeout", env.CallTimeout)
			n, order, err := applyEngineFlags(flags, env, cfg)
			if err != nil {
				return err
			}

			conn, err := asyncrpc.Dial(ctx, cfg.Address,
				asyncrpc.WithTransport(cfg.Transport),
				asyncrpc.WithDialLogger(Logger),
			)
			if err != nil {
				return err
			}
			defer conn.Close()

			reg := prometheus.NewRegistry()
			metrics, err := asyncrpc.NewMetrics(reg)
			if err != nil {
				return err
			}
			engines, err := newEngines(n, order, metrics,
				func(q *asyncrpc.Queue, opts ...asyncrpc.EngineOption) (*asyncrpc.Engine, error) {
					return asyncrpc.NewClientEngine(cfg, q, conn, opts...)
				})
			if err != nil {
				return err
			}
			stopAdmin, err := serveAdmin(stringSetting(flags, "admin", env.AdminAddress), reg, engines)
			if err != nil {
				return err
			}
			defer stopAdmin()

			Logger.Info("clientStart", "addr", cfg.Address, "transport", cfg.Transport,
				"shape", cfg.Shape.String(), "engines", n)
			runErr := asyncrpc.RunAll(ctx, engines...)
			printStats(cmd, engines)
			if runErr != nil {
				return fmt.Errorf("client: %w", runErr)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	engineFlags(flags, defaults)
	flags.String("shape", defaults.Shape.String(), "call shape (unary, server-stream, client-stream or bidi)")
	flags.Int("requests", defaults.MaxTotalCalls, "total calls admitted per engine (0 for unlimited)")
	flags.Int("parallel", defaults.MaxConcurrentCalls, "calls in flight per engine (0 for unlimited)")
	flags.Duration("call-timeout", defaults.CallTimeout, "deadline of each call (0 for none)")
	return cmd
}
