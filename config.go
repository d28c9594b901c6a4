// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncrpc

import (
	"errors"
	"fmt"
	"time"
)

// Default values used by [NewConfig].
const (
	DefaultAddress        = "127.0.0.1:10123"
	DefaultStreamMessages = 16
	DefaultPollInterval   = 500 * time.Millisecond
	DefaultServerPoll     = time.Second
)

// Config holds the parameters of an [Engine].
//
// Build one with [NewConfig], adjust it, and share it by pointer. Engines
// never modify it.
type Config struct {
	// MaxTotalCalls bounds the number of calls an engine admits over its
	// whole run. Zero means unlimited.
	MaxTotalCalls int

	// MaxConcurrentCalls bounds the number of simultaneously live calls.
	// On the client it is also the initial fan-out. Zero means unlimited.
	MaxConcurrentCalls int

	// StreamMessages is the number of messages each streaming direction
	// sends.
	StreamMessages int

	// Shape is the shape of client calls. Servers accept every shape.
	Shape Shape

	// Reorder defers every completion once to the back of the queue, for
	// completion sources returning the newest event first.
	Reorder bool

	// PollInterval bounds each wait on the completion source.
	PollInterval time.Duration

	// CallTimeout, when positive, is the deadline of each client call.
	CallTimeout time.Duration

	// Address is the address servers listen on and clients dial.
	Address string

	// Transport names the registered transport, "zap" or "grpc".
	Transport string

	// ErrClassifier labels errors in structured logs.
	ErrClassifier ErrClassifier

	// TimeNow is the clock used for call timestamps.
	TimeNow func() time.Time
}

// NewConfig returns a [*Config] for one unary client call at a time.
func NewConfig() *Config {
	return &Config{
		MaxTotalCalls:      1,
		MaxConcurrentCalls: 1,
		StreamMessages:     DefaultStreamMessages,
		Shape:              ShapeUnary,
		Reorder:            false,
		PollInterval:       DefaultPollInterval,
		Address:            DefaultAddress,
		Transport:          DefaultTransport,
		ErrClassifier:      DefaultErrClassifier,
		TimeNow:            time.Now,
	}
}

// NewServerConfig returns a [*Config] for a server accepting an unlimited
// number of calls.
func NewServerConfig() *Config {
	cfg := NewConfig()
	cfg.MaxTotalCalls = 0
	cfg.MaxConcurrentCalls = 0
	cfg.PollInterval = DefaultServerPoll
	return cfg
}

// Validate checks the configuration for values no engine can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxTotalCalls < 0 {
		errs = append(errs, fmt.Errorf("negative MaxTotalCalls %d", c.MaxTotalCalls))
	}
	if c.MaxConcurrentCalls < 0 {
		errs = append(errs, fmt.Errorf("negative MaxConcurrentCalls %d", c.MaxConcurrentCalls))
	}
	if c.StreamMessages < 0 {
		errs = append(errs, fmt.Errorf("negative StreamMessages %d", c.StreamMessages))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("non-positive PollInterval %s", c.PollInterval))
	}
	if c.CallTimeout < 0 {
		errs = append(errs, fmt.Errorf("negative CallTimeout %s", c.CallTimeout))
	}
	if _, err := ParseShape(c.Shape.String()); err != nil {
		errs = append(errs, err)
	}
	if c.ErrClassifier == nil {
		errs = append(errs, errors.New("nil ErrClassifier"))
	}
	if c.TimeNow == nil {
		errs = append(errs, errors.New("nil TimeNow"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("asyncrpc: invalid config: %w", err)
	}
	return nil
}
