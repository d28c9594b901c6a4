// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/luxfi/asyncrpc"
	"github.com/luxfi/asyncrpc/cmd/asyncrpc/command"
)

// Version is set at link time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "asyncrpc",
	Short: "Drive asynchronous RPC calls of every shape",
	Long: `asyncrpc runs completion-queue engines as a client or a server over the
ZAP transport (or gRPC when built with -tags grpc), and talks to their admin endpoint.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return command.ConfigureLogger(cmd.Context(), cmd.Flags())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Printf("asyncrpc %s (transports %v)\n", Version, asyncrpc.AvailableTransports())
	},
}

func init() {
	_ = godotenv.Load()

	rootCmd.PersistentFlags().String("log-level", "info", "log level (off, info, debug or trace)")
	rootCmd.AddCommand(
		versionCmd,
		command.NewClientCommand(),
		command.NewServerCommand(),
		command.NewStatusCommand(),
		command.NewStopCommand(),
	)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
