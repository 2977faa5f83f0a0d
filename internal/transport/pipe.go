package transport

import (
	"sync"
	"sync/atomic"
)

// Pipe returns two connected in-memory Conns, used by tests in place of a
// real socket. Frames sent on one end arrive, in order, at the other end's
// OnMessage slot. Closing either end closes both.
func Pipe(hA, hB Handlers) (Conn, Conn) {
	a := &pipeConn{handlers: hA, inbox: make(chan pipeFrame, 1024), done: make(chan struct{})}
	b := &pipeConn{handlers: hB, inbox: make(chan pipeFrame, 1024), done: make(chan struct{})}
	a.peer, b.peer = b, a
	a.state.Store(int32(StateOpen))
	b.state.Store(int32(StateOpen))
	go a.pump()
	go b.pump()
	if hA.OnOpen != nil {
		hA.OnOpen()
	}
	if hB.OnOpen != nil {
		hB.OnOpen()
	}
	return a, b
}

type pipeFrame struct {
	data []byte
	text bool
}

type pipeConn struct {
	handlers Handlers
	peer     *pipeConn
	inbox    chan pipeFrame
	state    atomic.Int32
	done     chan struct{}
	once     sync.Once
}

func (c *pipeConn) pump() {
	for {
		select {
		case <-c.done:
			// Deliver frames that were already in flight when the
			// connection closed, like a real socket's receive buffer.
			for {
				select {
				case f := <-c.inbox:
					if c.handlers.OnMessage != nil {
						c.handlers.OnMessage(f.data)
					}
				default:
					return
				}
			}
		case f := <-c.inbox:
			if c.handlers.OnMessage != nil {
				c.handlers.OnMessage(f.data)
			}
		}
	}
}

func (c *pipeConn) Send(data []byte) error {
	return c.deliver(pipeFrame{data: data})
}

func (c *pipeConn) SendText(text string) error {
	return c.deliver(pipeFrame{data: []byte(text), text: true})
}

func (c *pipeConn) deliver(f pipeFrame) error {
	if c.ReadyState() != StateOpen {
		return ErrConnClosed
	}
	buf := make([]byte, len(f.data))
	copy(buf, f.data)
	f.data = buf
	select {
	case c.peer.inbox <- f:
		return nil
	case <-c.peer.done:
		return ErrConnClosed
	}
}

func (c *pipeConn) Close() error {
	c.shutdown(1000, "")
	c.peer.shutdown(1000, "peer closed")
	return nil
}

func (c *pipeConn) ReadyState() ReadyState {
	return ReadyState(c.state.Load())
}

func (c *pipeConn) shutdown(code int, reason string) {
	c.once.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.done)
		if c.handlers.OnClose != nil {
			c.handlers.OnClose(code, reason)
		}
	})
}
