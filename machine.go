// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncrpc

import (
	"fmt"

	"github.com/bassosimone/runtimex"
)

// Machine drives one call through the states of its shape.
//
// Start issues the first suboperations of a freshly admitted call. It may
// only fail before any tag has been handed to a transport. Proceed consumes
// one completion; it never returns an error, failures are recorded in
// [Call.Status]. Done reports whether the call reached a terminal state.
type Machine interface {
	Start(c *Call) error
	Proceed(c *Call, ok bool, op Op)
	Done() bool
}

func newMachine(shape Shape, role Role) (Machine, error) {
	switch {
	case shape == ShapeUnary && role == RoleClient:
		return &unaryClient{}, nil
	case shape == ShapeUnary && role == RoleServer:
		return &unaryServer{}, nil
	case shape == ShapeServerStream && role == RoleClient:
		return &serverStreamClient{}, nil
	case shape == ShapeServerStream && role == RoleServer:
		return &serverStreamServer{}, nil
	case shape == ShapeClientStream && role == RoleClient:
		return &clientStreamClient{}, nil
	case shape == ShapeClientStream && role == RoleServer:
		return &clientStreamServer{}, nil
	case shape == ShapeBidiStream && (role == RoleClient || role == RoleServer):
		return &bidiStream{role: role}, nil
	default:
		return nil, fmt.Errorf("asyncrpc: no state machine for %s %s calls", role, shape)
	}
}

// unexpectedOp panics: a machine got a completion for an op it never issued.
func unexpectedOp(c *Call, op Op) {
	runtimex.PanicOnError0(fmt.Errorf("%w: %s %s call %d got unexpected %s completion", ErrInvariant, c.Role, c.Shape, c.ID, op))
}

// startStream opens a client stream and issues its CONNECT.
func startStream(c *Call, req []byte) {
	e := c.engine
	c.client = e.channel.StartStream(c.ctx, e.poster, c.Method, c.Shape, req, c.issue(OpConnect))
}

// accept registers the server call as the next acceptor of its method.
func accept(c *Call) error {
	e := c.engine
	connect := c.issue(OpConnect)
	server, err := e.acceptor.Accept(e.poster, c.Method, c.Shape, connect)
	if err != nil {
		return err
	}
	c.server = server
	return nil
}

// connected records the peer and re-arms the accept slot of the shape before
// any business processing happens. It reports false when the call was
// refused by the concurrency limit; its FINISH is then already issued.
func connected(c *Call) bool {
	e := c.engine
	c.Peer = c.server.Peer()
	e.logger.Info("callConnected", c.logArgs("peer", c.Peer)...)
	e.rearm(c.Shape)
	if e.serve(c) {
		return true
	}
	c.server.Finish(nil, c.Status, c.issue(OpFinish))
	return false
}

// connectFailed records a failed CONNECT.
func connectFailed(c *Call) {
	err := ErrConnectFailed
	if c.client != nil {
		if st := c.client.Status(); st != nil {
			err = fmt.Errorf("%w: %w", ErrConnectFailed, st)
		}
	}
	c.fail(err)
	c.engine.logger.Warn("callConnectFailed", c.logArgs("err", err.Error())...)
}

// finished records the outcome of a client FINISH. Once the final status
// arrived the call asks for the next one, whatever that status is.
func finished(c *Call, ok bool) {
	e := c.engine
	if !ok {
		c.fail(ErrCallFailed)
	} else {
		c.fail(c.client.Status())
		c.next = true
	}
	if c.Status != nil {
		e.logger.Warn("callFinishFailed", c.logArgs(
			"err", c.Status.Error(),
			"errClass", e.cfg.ErrClassifier.Classify(c.Status),
		)...)
	}
}

// streamEnded logs the failed READ closing an inbound stream.
func streamEnded(c *Call) {
	c.engine.logger.Debug("callStreamEnded", c.logArgs("received", c.Received, "err", ErrStreamEnded.Error())...)
}

// writeFailed logs a failed WRITE.
func writeFailed(c *Call) {
	c.engine.logger.Warn("callWriteFailed", c.logArgs("sent", c.Sent, "err", ErrWriteFailed.Error())...)
}
