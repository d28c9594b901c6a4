// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncrpc

// bidiStream reads and writes independently after CONNECT.
//
// FINISH is issued exactly once, when both directions are done. The client
// direction is done writing once its WRITE_DONE completed; the server is done
// writing when its message budget is spent. A failed completion on a
// direction already marked done is ignored.
type bidiStream struct {
	role Role

	doneReading bool
	doneWriting bool
	sentFinish  bool
	finished    bool
}

var _ Machine = &bidiStream{}

func (m *bidiStream) Start(c *Call) error {
	if m.role == RoleServer {
		return accept(c)
	}
	startStream(c, nil)
	return nil
}

func (m *bidiStream) Proceed(c *Call, ok bool, op Op) {
	switch op {
	case OpConnect:
		if !ok {
			if m.role == RoleServer {
				c.fail(ErrConnectFailed)
			} else {
				connectFailed(c)
			}
			m.finished = true
			return
		}
		if m.role == RoleServer && !connected(c) {
			m.sentFinish = true
			return
		}
		m.read(c)
		m.write(c)

	case OpRead:
		if !ok {
			if m.doneReading {
				return
			}
			m.doneReading = true
			streamEnded(c)
			m.finishIfDone(c)
			return
		}
		c.Received++
		c.engine.handler.Message(c, m.recv(c))
		m.read(c)

	case OpWrite:
		if !ok {
			if m.doneWriting {
				return
			}
			if !m.doneReading {
				c.fail(ErrWriteFailed)
			}
			writeFailed(c)
			m.doneWriting = true
			m.finishIfDone(c)
			return
		}
		c.Sent++
		m.write(c)

	case OpWriteDone:
		if m.role != RoleClient {
			unexpectedOp(c, op)
		}
		m.doneWriting = true
		m.finishIfDone(c)

	case OpFinish:
		if !m.sentFinish {
			unexpectedOp(c, op)
		}
		m.finished = true
		if m.role == RoleClient {
			finished(c, ok)
		} else if !ok {
			c.fail(ErrCallFailed)
		}

	default:
		unexpectedOp(c, op)
	}
}

func (m *bidiStream) read(c *Call) {
	if m.role == RoleClient {
		c.client.Read(c.issue(OpRead))
		return
	}
	c.server.Read(c.issue(OpRead))
}

func (m *bidiStream) recv(c *Call) []byte {
	if m.role == RoleClient {
		return c.client.Recv()
	}
	return c.server.Recv()
}

func (m *bidiStream) write(c *Call) {
	if c.Sent >= c.engine.cfg.StreamMessages {
		if m.role == RoleClient {
			c.client.CloseSend(c.issue(OpWriteDone))
			return
		}
		m.doneWriting = true
		m.finishIfDone(c)
		return
	}
	msg := c.engine.handler.Next(c, c.Sent)
	if m.role == RoleClient {
		c.client.Write(msg, c.issue(OpWrite))
		return
	}
	c.server.Write(msg, c.issue(OpWrite))
}

func (m *bidiStream) finishIfDone(c *Call) {
	if m.sentFinish || !m.doneReading || !m.doneWriting {
		return
	}
	m.sentFinish = true
	tag := c.issue(OpFinish)
	if m.role == RoleClient {
		c.client.Finish(tag)
		return
	}
	c.server.Finish(nil, c.Status, tag)
}

func (m *bidiStream) Done() bool {
	return m.finished
}
