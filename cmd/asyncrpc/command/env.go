// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package command

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/pflag"

	"github.com/luxfi/asyncrpc"
)

// DefaultAdminAddress is where the admin endpoint listens when enabled.
const DefaultAdminAddress = "127.0.0.1:10124"

// Env holds the settings read from ASYNCRPC_* environment variables, after
// .env was loaded. Flags given on the command line win over them.
//
// Non-string settings are nil when their variable is unset, so an explicit
// zero such as ASYNCRPC_REQUESTS=0 still overrides the default.
type Env struct {
	Address      string         `env:"ASYNCRPC_ADDRESS"`
	Transport    string         `env:"ASYNCRPC_TRANSPORT"`
	AdminAddress string         `env:"ASYNCRPC_ADMIN_ADDRESS"`
	LogLevel     string         `env:"ASYNCRPC_LOG_LEVEL"`
	Shape        string         `env:"ASYNCRPC_SHAPE"`
	Requests     *int           `env:"ASYNCRPC_REQUESTS, noinit"`
	Parallel     *int           `env:"ASYNCRPC_PARALLEL, noinit"`
	Messages     *int           `env:"ASYNCRPC_MESSAGES, noinit"`
	Engines      *int           `env:"ASYNCRPC_ENGINES, noinit"`
	QueueOrder   string         `env:"ASYNCRPC_QUEUE_ORDER"`
	Reorder      *bool          `env:"ASYNCRPC_REORDER, noinit"`
	CallTimeout  *time.Duration `env:"ASYNCRPC_CALL_TIMEOUT, noinit"`
}

// LoadEnv reads the environment.
func LoadEnv(ctx context.Context) (*Env, error) {
	env := &Env{}
	if err := envconfig.Process(ctx, env); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	return env, nil
}

func stringSetting(flags *pflag.FlagSet, name, env string) string {
	value, _ := flags.GetString(name)
	if !flags.Changed(name) && env != "" {
		return env
	}
	return value
}

// setting resolves a flag against an optional environment value.
func setting[T any](flags *pflag.FlagSet, name string, get func(string) (T, error), env *T) T {
	value, _ := get(name)
	if !flags.Changed(name) && env != nil {
		return *env
	}
	return value
}

func intSetting(flags *pflag.FlagSet, name string, env *int) int {
	return setting(flags, name, flags.GetInt, env)
}

func boolSetting(flags *pflag.FlagSet, name string, env *bool) bool {
	return setting(flags, name, flags.GetBool, env)
}

func durationSetting(flags *pflag.FlagSet, name string, env *time.Duration) time.Duration {
	return setting(flags, name, flags.GetDuration, env)
}

// ConfigureLogger sets [Logger] from the log-level flag, or from
// ASYNCRPC_LOG_LEVEL when the flag was not given.
func ConfigureLogger(ctx context.Context, flags *pflag.FlagSet) error {
	env, err := LoadEnv(ctx)
	if err != nil {
		return err
	}
	logger, err := NewLogger(stringSetting(flags, "log-level", env.LogLevel))
	if err != nil {
		return err
	}
	Logger = logger
	return nil
}

// LevelTrace is below debug, for per-completion traces.
const LevelTrace = slog.LevelDebug - 4

// NewLogger returns a text logger on stderr for one of the levels off,
// info, debug and trace.
func NewLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "off":
		return slog.New(slog.DiscardHandler), nil
	case "info", "":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "trace":
		lvl = LevelTrace
	default:
		return nil, fmt.Errorf("unknown log level %q (want off, info, debug or trace)", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

// engineFlags are the flags shared by the client and the server.
func engineFlags(flags *pflag.FlagSet, cfg *asyncrpc.Config) {
	flags.String("address", cfg.Address, "address to dial or listen on")
	flags.String("transport", cfg.Transport, "transport to use (zap or grpc)")
	flags.Int("messages", cfg.StreamMessages, "messages sent by each streaming direction")
	flags.Int("engines", 1, "number of dispatch loops, each with its own queue")
	flags.String("queue-order", "fifo", "order completions are served in (fifo or lifo)")
	flags.Bool("reorder", cfg.Reorder, "defer every completion once to the back of the queue")
	flags.String("admin", "", "address of the JSON-RPC admin and metrics endpoint (disabled if empty)")
}

// applyEngineFlags fills cfg from the flags and the environment.
func applyEngineFlags(flags *pflag.FlagSet, env *Env, cfg *asyncrpc.Config) (engines int, order asyncrpc.Order, err error) {
	cfg.Address = stringSetting(flags, "address", env.Address)
	cfg.Transport = stringSetting(flags, "transport", env.Transport)
	cfg.StreamMessages = intSetting(flags, "messages", env.Messages)
	cfg.Reorder = boolSetting(flags, "reorder", env.Reorder)
	cfg.ErrClassifier = asyncrpc.DefaultErrClassifier

	if !asyncrpc.HasTransport(cfg.Transport) {
		return 0, 0, fmt.Errorf("%w: %s (have %v)", asyncrpc.ErrUnknownTransport, cfg.Transport, asyncrpc.AvailableTransports())
	}
	engines = intSetting(flags, "engines", env.Engines)
	if engines < 1 {
		return 0, 0, fmt.Errorf("need at least one engine, got %d", engines)
	}
	switch o := stringSetting(flags, "queue-order", env.QueueOrder); o {
	case "fifo":
		order = asyncrpc.OrderFIFO
	case "lifo":
		order = asyncrpc.OrderLIFO
	default:
		return 0, 0, fmt.Errorf("unknown queue order %q", o)
	}
	return engines, order, cfg.Validate()
}
