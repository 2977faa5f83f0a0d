package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// wsConn adapts a gorilla/websocket connection to the Conn interface.
// Gorilla permits one concurrent writer, so writes are serialized with a
// mutex; reads run on a single pump goroutine.
type wsConn struct {
	conn     *websocket.Conn
	handlers Handlers

	writeMu   sync.Mutex
	state     atomic.Int32
	closeOnce sync.Once
}

// DialWebSocket connects to a WebSocket URL and starts the read pump.
// OnOpen fires before DialWebSocket returns.
func DialWebSocket(ctx context.Context, url string, h Handlers) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &wsConn{conn: conn, handlers: h}
	c.state.Store(int32(StateOpen))
	if h.OnOpen != nil {
		h.OnOpen()
	}
	go c.readPump()
	return c, nil
}

func (c *wsConn) readPump() {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			reason := err.Error()
			var closeErr *websocket.CloseError
			if ce, ok := err.(*websocket.CloseError); ok {
				closeErr = ce
				code = ce.Code
				reason = ce.Text
			}
			if closeErr == nil && c.ReadyState() != StateClosed && c.handlers.OnError != nil {
				c.handlers.OnError(err)
			}
			c.finish(code, reason)
			return
		}
		if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
			continue
		}
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(data)
		}
	}
}

func (c *wsConn) Send(data []byte) error {
	return c.write(websocket.BinaryMessage, data)
}

func (c *wsConn) SendText(text string) error {
	return c.write(websocket.TextMessage, []byte(text))
}

func (c *wsConn) write(msgType int, data []byte) error {
	if c.ReadyState() != StateOpen {
		return ErrConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(msgType, data)
}

func (c *wsConn) Close() error {
	c.state.Store(int32(StateClosing))
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	err := c.conn.Close()
	c.finish(websocket.CloseNormalClosure, "")
	return err
}

func (c *wsConn) ReadyState() ReadyState {
	return ReadyState(c.state.Load())
}

// finish transitions to closed and fires OnClose exactly once.
func (c *wsConn) finish(code int, reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		if c.handlers.OnClose != nil {
			c.handlers.OnClose(code, reason)
		}
	})
}
