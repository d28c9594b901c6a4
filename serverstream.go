// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncrpc

type serverStreamState uint8

const (
	serverStreamCreated serverStreamState = iota
	serverStreamReplying
	serverStreamFinishing
	serverStreamDone
)

// serverStreamServer writes the configured number of messages, then
// finishes.
type serverStreamServer struct {
	state serverStreamState
}

var _ Machine = &serverStreamServer{}

func (m *serverStreamServer) Start(c *Call) error {
	return accept(c)
}

func (m *serverStreamServer) Proceed(c *Call, ok bool, op Op) {
	switch {
	case op == OpConnect && m.state == serverStreamCreated:
		if !ok {
			c.fail(ErrConnectFailed)
			m.state = serverStreamDone
			return
		}
		c.Request = c.server.Recv()
		if !connected(c) {
			m.state = serverStreamFinishing
			return
		}
		m.state = serverStreamReplying
		m.write(c)

	case op == OpWrite && m.state == serverStreamReplying:
		if !ok {
			c.fail(ErrWriteFailed)
			writeFailed(c)
			m.finish(c)
			return
		}
		c.Sent++
		m.write(c)

	case op == OpFinish && m.state == serverStreamFinishing:
		if !ok {
			c.fail(ErrCallFailed)
		}
		m.state = serverStreamDone

	default:
		unexpectedOp(c, op)
	}
}

func (m *serverStreamServer) write(c *Call) {
	if c.Sent >= c.engine.cfg.StreamMessages {
		m.finish(c)
		return
	}
	c.server.Write(c.engine.handler.Next(c, c.Sent), c.issue(OpWrite))
}

func (m *serverStreamServer) finish(c *Call) {
	m.state = serverStreamFinishing
	c.server.Finish(nil, c.Status, c.issue(OpFinish))
}

func (m *serverStreamServer) Done() bool {
	return m.state == serverStreamDone
}

// serverStreamClient reads until the stream ends while its FINISH, issued
// upfront, is pending.
type serverStreamClient struct {
	reading  bool
	finished bool
}

var _ Machine = &serverStreamClient{}

func (m *serverStreamClient) Start(c *Call) error {
	c.Request = c.engine.handler.Request(c)
	startStream(c, c.Request)
	c.client.Finish(c.issue(OpFinish))
	return nil
}

func (m *serverStreamClient) Proceed(c *Call, ok bool, op Op) {
	switch op {
	case OpConnect:
		if !ok {
			connectFailed(c)
			return
		}
		m.reading = true
		c.client.Read(c.issue(OpRead))

	case OpRead:
		if !m.reading {
			unexpectedOp(c, op)
		}
		if !ok {
			m.reading = false
			streamEnded(c)
			return
		}
		c.Received++
		c.engine.handler.Message(c, c.client.Recv())
		c.client.Read(c.issue(OpRead))

	case OpFinish:
		m.finished = true
		finished(c, ok)

	default:
		unexpectedOp(c, op)
	}
}

func (m *serverStreamClient) Done() bool {
	return m.finished
}
