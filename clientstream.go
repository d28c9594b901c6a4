// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package asyncrpc

type clientStreamState uint8

const (
	clientStreamCreated clientStreamState = iota
	clientStreamWriting
	clientStreamFinishing
	clientStreamDone
)

// clientStreamClient writes the configured number of messages, closes its
// sending side and waits for the single response.
//
// WRITE_DONE and FINISH may complete in either order; the call is done once
// both arrived.
type clientStreamClient struct {
	state     clientStreamState
	wroteDone bool
	finished  bool
}

var _ Machine = &clientStreamClient{}

func (m *clientStreamClient) Start(c *Call) error {
	startStream(c, nil)
	return nil
}

func (m *clientStreamClient) Proceed(c *Call, ok bool, op Op) {
	switch {
	case op == OpConnect && m.state == clientStreamCreated:
		if !ok {
			connectFailed(c)
			m.state = clientStreamDone
			return
		}
		m.state = clientStreamWriting
		m.write(c)

	case op == OpWrite && m.state == clientStreamWriting:
		if !ok {
			c.fail(ErrWriteFailed)
			writeFailed(c)
			m.finish(c, false)
			return
		}
		c.Sent++
		m.write(c)

	case op == OpWriteDone && m.state == clientStreamFinishing:
		if !ok {
			c.engine.logger.Debug("callCloseSendFailed", c.logArgs()...)
		}
		m.wroteDone = true
		m.check()

	case op == OpFinish && m.state == clientStreamFinishing:
		m.finished = true
		finished(c, ok)
		if c.Status == nil {
			c.Response = c.client.Recv()
		}
		m.check()

	default:
		unexpectedOp(c, op)
	}
}

func (m *clientStreamClient) write(c *Call) {
	if c.Sent >= c.engine.cfg.StreamMessages {
		m.finish(c, true)
		return
	}
	c.client.Write(c.engine.handler.Next(c, c.Sent), c.issue(OpWrite))
}

// finish issues WRITE_DONE (unless the sending side is already broken) and
// FINISH together.
func (m *clientStreamClient) finish(c *Call, closeSend bool) {
	m.state = clientStreamFinishing
	if closeSend {
		c.client.CloseSend(c.issue(OpWriteDone))
	} else {
		m.wroteDone = true
	}
	c.client.Finish(c.issue(OpFinish))
}

func (m *clientStreamClient) check() {
	if m.wroteDone && m.finished {
		m.state = clientStreamDone
	}
}

func (m *clientStreamClient) Done() bool {
	return m.state == clientStreamDone
}

// clientStreamServer reads until the client stops sending, then replies.
type clientStreamServer struct {
	state clientStreamState
}

var _ Machine = &clientStreamServer{}

func (m *clientStreamServer) Start(c *Call) error {
	return accept(c)
}

func (m *clientStreamServer) Proceed(c *Call, ok bool, op Op) {
	switch {
	case op == OpConnect && m.state == clientStreamCreated:
		if !ok {
			c.fail(ErrConnectFailed)
			m.state = clientStreamDone
			return
		}
		if !connected(c) {
			m.state = clientStreamFinishing
			return
		}
		m.state = clientStreamWriting
		c.server.Read(c.issue(OpRead))

	case op == OpRead && m.state == clientStreamWriting:
		if ok {
			c.Received++
			c.engine.handler.Message(c, c.server.Recv())
			c.server.Read(c.issue(OpRead))
			return
		}
		streamEnded(c)
		reply, err := c.engine.handler.Reply(c)
		if err != nil {
			c.fail(err)
		}
		c.Response = reply
		m.state = clientStreamFinishing
		c.server.Finish(reply, c.Status, c.issue(OpFinish))

	case op == OpFinish && m.state == clientStreamFinishing:
		if !ok {
			c.fail(ErrCallFailed)
		}
		m.state = clientStreamDone

	default:
		unexpectedOp(c, op)
	}
}

func (m *clientStreamServer) Done() bool {
	return m.state == clientStreamDone
}
