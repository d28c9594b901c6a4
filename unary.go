// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncrpc

// unaryClient issues the call and its FINISH at once.
type unaryClient struct {
	done bool
}

var _ Machine = &unaryClient{}

func (m *unaryClient) Start(c *Call) error {
	e := c.engine
	c.Request = e.handler.Request(c)
	c.client = e.channel.StartUnary(c.ctx, e.poster, c.Method, c.Request)
	c.client.Finish(c.issue(OpFinish))
	return nil
}

func (m *unaryClient) Proceed(c *Call, ok bool, op Op) {
	if op != OpFinish {
		unexpectedOp(c, op)
	}
	m.done = true
	finished(c, ok)
	if c.Status == nil {
		c.Response = c.client.Recv()
	}
}

func (m *unaryClient) Done() bool {
	return m.done
}

type unaryState uint8

const (
	unaryCreated unaryState = iota
	unaryReplied
	unaryDone
)

// unaryServer accepts one request and replies once.
type unaryServer struct {
	state unaryState
}

var _ Machine = &unaryServer{}

func (m *unaryServer) Start(c *Call) error {
	return accept(c)
}

func (m *unaryServer) Proceed(c *Call, ok bool, op Op) {
	switch {
	case op == OpConnect && m.state == unaryCreated:
		if !ok {
			c.fail(ErrConnectFailed)
			m.state = unaryDone
			return
		}
		c.Request = c.server.Recv()
		if !connected(c) {
			m.state = unaryReplied
			return
		}
		reply, err := c.engine.handler.Reply(c)
		if err != nil {
			c.fail(err)
		}
		c.Response = reply
		m.state = unaryReplied
		c.server.Finish(reply, c.Status, c.issue(OpFinish))

	case op == OpFinish && m.state == unaryReplied:
		if !ok {
			c.fail(ErrCallFailed)
		}
		m.state = unaryDone

	default:
		unexpectedOp(c, op)
	}
}

func (m *unaryServer) Done() bool {
	return m.state == unaryDone
}
