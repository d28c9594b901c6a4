// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package command

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/luxfi/asyncrpc"
)

func adminURL(cmd *cobra.Command) (*url.URL, error) {
	raw, _ := cmd.Flags().GetString("admin")
	if raw == "" {
		raw = "http://" + DefaultAdminAddress + asyncrpc.AdminRPCPath
	}
	uri, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("admin url %q: %w", raw, err)
	}
	return uri, nil
}

// NewStatusCommand returns the command printing the counters of a running
// client or server.
func NewStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print engine counters from an admin endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			uri, err := adminURL(cmd)
			if err != nil {
				return err
			}
			reply, err := asyncrpc.AdminStats(cmd.Context(), uri, asyncrpc.WithRequestLogger(Logger))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(reply)
		},
	}
	cmd.Flags().String("admin", "", "admin JSON-RPC url")
	return cmd
}

// NewStopCommand returns the command stopping engines of a running client or
// server.
func NewStopCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop [engine]",
		Short: "Stop one engine, or all of them, through an admin endpoint",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uri, err := adminURL(cmd)
			if err != nil {
				return err
			}
			var name string
			if len(args) == 1 {
				name = args[0]
			}
			reply, err := asyncrpc.AdminStop(cmd.Context(), uri, name, asyncrpc.WithRequestLogger(Logger))
			if err != nil {
				return err
			}
			for _, stopped := range reply.Stopped {
				cmd.Println("stopped", stopped)
			}
			return nil
		},
	}
	cmd.Flags().String("admin", "", "admin JSON-RPC url")
	return cmd
}
