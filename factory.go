// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncrpc

import (
	"context"
	"fmt"
)

// factory admits new calls within the budget and the concurrency limit of
// its engine.
type factory struct {
	engine  *Engine
	ids     sequence
	started int

	// serving counts the connected server calls that passed [factory.serve].
	serving int
}

func newFactory(e *Engine) *factory {
	return &factory{engine: e}
}

// admit creates and starts a new call of the given shape.
//
// It returns [ErrBudgetExhausted] or [ErrConcurrencyLimit] when no call may
// be admitted, and an [*AdmissionError] when the call could not be
// constructed. Neither case leaves any state behind.
//
// Server accepts are not bounded by MaxConcurrentCalls: a server call is
// admitted for service by [factory.serve] once its peer connected.
func (f *factory) admit(shape Shape) (c *Call, err error) {
	e := f.engine
	if e.cfg.MaxTotalCalls > 0 && f.started >= e.cfg.MaxTotalCalls {
		return nil, ErrBudgetExhausted
	}
	if e.role == RoleClient && e.cfg.MaxConcurrentCalls > 0 && len(e.calls) >= e.cfg.MaxConcurrentCalls {
		return nil, ErrConcurrencyLimit
	}

	machine, err := newMachine(shape, e.role)
	if err != nil {
		return nil, &AdmissionError{Shape: shape, Role: e.role, Err: err}
	}
	call := &Call{
		ID:      f.ids.next(),
		SpanID:  NewSpanID(),
		Shape:   shape,
		Role:    e.role,
		Method:  e.methods[shape],
		Started: e.cfg.TimeNow(),
		engine:  e,
		machine: machine,
	}
	call.ctx, call.cancel = f.callContext()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			call.cancel()
			e.tags.releaseCall(call.ID)
			c, err = nil, &AdmissionError{Shape: shape, Role: e.role, Err: err}
		}
	}()
	if err := machine.Start(call); err != nil {
		return nil, err
	}

	f.started++
	e.calls[call.ID] = call
	return call, nil
}

// serve admits a connected server call for service. It returns
// [ErrConcurrencyLimit] while MaxConcurrentCalls calls are being served.
func (f *factory) serve(c *Call) error {
	limit := f.engine.cfg.MaxConcurrentCalls
	if limit > 0 && f.serving >= limit {
		return ErrConcurrencyLimit
	}
	f.serving++
	c.serving = true
	return nil
}

// release returns the service slot of a torn down call.
func (f *factory) release(c *Call) {
	if c.serving {
		c.serving = false
		f.serving--
	}
}

func (f *factory) callContext() (context.Context, context.CancelFunc) {
	e := f.engine
	ctx := e.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if e.role == RoleClient && e.cfg.CallTimeout > 0 {
		return context.WithTimeout(ctx, e.cfg.CallTimeout)
	}
	return context.WithCancel(ctx)
}
