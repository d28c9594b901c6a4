// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncrpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/runtimex"
	"google.golang.org/grpc/codes"
)

// CompletionQueue is a [CompletionSource] that transports post into.
type CompletionQueue interface {
	CompletionSource
	Poster
}

// EngineOption configures an [Engine].
type EngineOption func(*Engine)

// WithHandler sets the business logic of the calls. The default handler
// sends empty messages and ignores replies.
func WithHandler(h Handler) EngineOption {
	return func(e *Engine) { e.handler = h }
}

// WithLogger sets the structured logger.
func WithLogger(l SLogger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the collectors updated by the engine.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithMethod overrides the method used for calls of shape.
func WithMethod(shape Shape, method string) EngineOption {
	return func(e *Engine) { e.methods[shape] = method }
}

// WithName names the engine in logs and stats.
func WithName(name string) EngineOption {
	return func(e *Engine) { e.name = name }
}

// Engine is a dispatch loop draining one [CompletionQueue] and driving the
// calls it admitted.
//
// All call state is owned by the goroutine running [Engine.Run]. Stop and
// Stats may be called from any goroutine.
type Engine struct {
	name     string
	cfg      *Config
	role     Role
	queue    CompletionQueue
	poster   Poster
	deferrer Deferrer
	channel  Channel
	acceptor Acceptor
	handler  Handler
	logger   SLogger
	metrics  *Metrics
	methods  map[Shape]string

	tags    *tagTable
	calls   map[CallID]*Call
	factory *factory
	ctx     context.Context

	stats    engineStats
	running  atomic.Bool
	stopOnce sync.Once
}

// NewClientEngine creates an [*Engine] issuing calls of cfg.Shape over ch.
func NewClientEngine(cfg *Config, queue CompletionQueue, ch Channel, opts ...EngineOption) (*Engine, error) {
	runtimex.Assert(ch != nil)
	e, err := newEngine(cfg, RoleClient, queue, opts)
	if err != nil {
		return nil, err
	}
	e.channel = ch
	return e, nil
}

// NewServerEngine creates an [*Engine] accepting calls of every shape from
// acc.
func NewServerEngine(cfg *Config, queue CompletionQueue, acc Acceptor, opts ...EngineOption) (*Engine, error) {
	runtimex.Assert(acc != nil)
	e, err := newEngine(cfg, RoleServer, queue, opts)
	if err != nil {
		return nil, err
	}
	e.acceptor = acc
	if reg, ok := acc.(MethodRegistrar); ok {
		for _, shape := range Shapes {
			if err := reg.RegisterMethod(e.methods[shape], shape); err != nil {
				return nil, err
			}
		}
	}
	return e, nil
}

func newEngine(cfg *Config, role Role, queue CompletionQueue, opts []EngineOption) (*Engine, error) {
	runtimex.Assert(cfg != nil && queue != nil)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		name:    role.String(),
		cfg:     cfg,
		role:    role,
		queue:   queue,
		poster:  queue,
		handler: &HandlerFuncs{},
		logger:  DefaultSLogger(),
		methods: DefaultMethods(),
		tags:    newTagTable(),
		calls:   make(map[CallID]*Call),
	}
	e.deferrer, _ = queue.(Deferrer)
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = runtimex.PanicOnError1(NewMetrics(nil))
	}
	e.factory = newFactory(e)
	return e, nil
}

// Run admits the initial calls and dispatches completions until no call is
// live or the queue shuts down. Cancelling ctx stops the engine.
//
// A client admits up to MaxConcurrentCalls calls and chains a new one after
// each call whose final status arrived, so Run returns once the budget is
// spent. A server keeps one accept armed per shape and runs until stopped.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrEngineRunning
	}
	defer e.Stop()
	stop := context.AfterFunc(ctx, e.Stop)
	defer stop()

	e.ctx = ctx
	t0 := e.cfg.TimeNow()
	e.logger.Info("engineStart", "engine", e.name, "role", e.role.String(), "t", t0)

	err := e.arm()
	if err == nil {
		e.loop()
	}

	e.logger.Info("engineDone",
		"engine", e.name,
		"role", e.role.String(),
		"live", len(e.calls),
		"err", err,
		"t0", t0,
		"t", e.cfg.TimeNow(),
	)
	return err
}

// Stop makes the queue report shutdown. It is idempotent.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.logger.Info("engineStop", "engine", e.name)
		e.queue.Shutdown()
	})
}

// Name returns the engine name.
func (e *Engine) Name() string {
	return e.name
}

// arm admits the first calls.
func (e *Engine) arm() error {
	if e.role == RoleServer {
		for _, shape := range Shapes {
			e.rearm(shape)
		}
	} else {
		fanout := max(e.cfg.MaxConcurrentCalls, 1)
		for range fanout {
			if !e.admitNext(e.cfg.Shape) {
				break
			}
		}
	}
	if len(e.calls) == 0 {
		return fmt.Errorf("asyncrpc: %s engine %q admitted no call", e.role, e.name)
	}
	return nil
}

func (e *Engine) loop() {
	for len(e.calls) > 0 {
		ev, status := e.queue.Next(time.Now().Add(e.cfg.PollInterval))
		switch status {
		case NextTimeout:
			continue
		case NextShutdown:
			e.logger.Info("engineShutdown", "engine", e.name, "live", len(e.calls))
			return
		case NextEvent:
			e.dispatch(ev)
		}
	}
}

// dispatch hands one completion to the machine of its call.
func (e *Engine) dispatch(ev Event) {
	entry := e.tags.lookup(ev.Tag)
	ok := ev.OK
	if e.cfg.Reorder && e.deferrer != nil {
		if !entry.deferred {
			entry.deferred = true
			entry.deferredOK = ev.OK
			if e.deferrer.Defer(ev.Tag) {
				e.stats.deferred.Add(1)
				e.metrics.Deferred.Inc()
				return
			}
		} else {
			ok = entry.deferredOK
		}
	}
	e.tags.release(ev.Tag)

	c := e.calls[entry.call]
	runtimex.Assert(c != nil)
	c.life.dec()

	e.stats.events.Add(1)
	e.metrics.Events.WithLabelValues(entry.op.String()).Inc()
	e.logger.Debug("callProceed", c.logArgs(
		"op", entry.op.String(),
		"ok", ok,
		"tag", uint64(ev.Tag),
		"pending", c.life.pending,
	)...)

	c.machine.Proceed(c, ok, entry.op)
	if c.life.idle() {
		e.teardown(c)
	}
}

// teardown destroys an idle call. It runs exactly once per call.
func (e *Engine) teardown(c *Call) {
	if !c.machine.Done() {
		c.fail(ErrStalled)
		e.logger.Error("callStalled", c.logArgs("err", ErrStalled.Error())...)
	}
	c.life.close()
	delete(e.calls, c.ID)
	c.cancel()
	if c.client != nil {
		c.client.Cancel()
	}

	e.stats.live.Add(-1)
	e.metrics.Live.Dec()
	if c.Status == nil {
		e.stats.completed.Add(1)
		e.metrics.Completed.WithLabelValues(c.Shape.String()).Inc()
	} else {
		e.stats.failed.Add(1)
		e.metrics.Failed.WithLabelValues(c.Shape.String()).Inc()
	}

	var errMsg string
	if c.Status != nil {
		errMsg = c.Status.Error()
	}
	e.logger.Info("callDone", c.logArgs(
		"sent", c.Sent,
		"received", c.Received,
		"issued", c.life.issued,
		"err", errMsg,
		"errClass", e.cfg.ErrClassifier.Classify(c.Status),
		"t0", c.Started,
		"t", e.cfg.TimeNow(),
	)...)
	e.handler.Done(c, c.Status)

	e.factory.release(c)
	if c.next {
		e.admitNext(c.Shape)
	}
}

// admitNext admits a client call. It reports false once no further call
// can be admitted right now.
func (e *Engine) admitNext(shape Shape) bool {
	_, err := e.admit(shape)
	var ae *AdmissionError
	return err == nil || errors.As(err, &ae)
}

// rearm arms a fresh server accept for shape.
func (e *Engine) rearm(shape Shape) {
	_, _ = e.admit(shape)
}

// serve admits a connected server call for service. A call over the
// concurrency limit is counted as rejected and failed with
// ResourceExhausted.
func (e *Engine) serve(c *Call) bool {
	err := e.factory.serve(c)
	if err == nil {
		return true
	}
	e.stats.rejected.Add(1)
	e.metrics.Rejected.WithLabelValues(rejectReason(err)).Inc()
	c.fail(NewStatusError(codes.ResourceExhausted, "%s", err.Error()))
	e.logger.Warn("callRejected", c.logArgs("serving", e.factory.serving, "err", err.Error())...)
	return false
}

// admit runs the factory and accounts for the outcome.
func (e *Engine) admit(shape Shape) (*Call, error) {
	c, err := e.factory.admit(shape)
	var ae *AdmissionError
	switch {
	case err == nil:
		e.stats.admitted.Add(1)
		e.stats.live.Add(1)
		e.metrics.Admitted.Inc()
		e.metrics.Live.Inc()
		e.logger.Info("callStart", c.logArgs("t", c.Started)...)

	case errors.As(err, &ae):
		e.stats.slotsLost.Add(1)
		e.metrics.SlotsLost.Inc()
		e.logger.Error("callAdmissionFailed",
			"engine", e.name,
			"shape", shape.String(),
			"role", e.role.String(),
			"err", err.Error(),
			"errClass", e.cfg.ErrClassifier.Classify(ae.Err),
		)

	default:
		e.stats.rejected.Add(1)
		e.metrics.Rejected.WithLabelValues(rejectReason(err)).Inc()
		e.logger.Debug("callRejected", "engine", e.name, "shape", shape.String(), "err", err.Error())
	}
	return c, err
}

// Stats is a snapshot of an engine's counters.
type Stats struct {
	Name      string `json:"name"`
	Role      string `json:"role"`
	Admitted  uint64 `json:"admitted"`
	Rejected  uint64 `json:"rejected"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	SlotsLost uint64 `json:"slotsLost"`
	Events    uint64 `json:"events"`
	Deferred  uint64 `json:"deferred"`
	Live      int64  `json:"live"`
}

type engineStats struct {
	admitted  atomic.Uint64
	rejected  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	slotsLost atomic.Uint64
	events    atomic.Uint64
	deferred  atomic.Uint64
	live      atomic.Int64
}

// Stats returns a snapshot of the engine's counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Name:      e.name,
		Role:      e.role.String(),
		Admitted:  e.stats.admitted.Load(),
		Rejected:  e.stats.rejected.Load(),
		Completed: e.stats.completed.Load(),
		Failed:    e.stats.failed.Load(),
		SlotsLost: e.stats.slotsLost.Load(),
		Events:    e.stats.events.Load(),
		Deferred:  e.stats.deferred.Load(),
		Live:      e.stats.live.Load(),
	}
}
