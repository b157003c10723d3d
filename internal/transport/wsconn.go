package transport

import (
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// websocketConn adapts a *websocket.Conn to net.Conn so the Connection
// Event Loop's bufio.Reader/Writer pair can treat a WebSocket connection
// exactly like a raw TCP socket. Grounded on the reference mqtt0 package's
// wsConn (buffers a partially-read WebSocket frame across Read calls,
// since MQTT's own framing doesn't align with WebSocket message
// boundaries).
type websocketConn struct {
	ws      *websocket.Conn
	pending []byte // unread tail of the last WebSocket message
	writeMu sync.Mutex
}

func (c *websocketConn) Read(b []byte) (int, error) {
	if len(c.pending) > 0 {
		n := copy(b, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}

	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return 0, err
	}
	n := copy(b, data)
	if n < len(data) {
		c.pending = data[n:]
	}
	return n, nil
}

func (c *websocketConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *websocketConn) Close() error         { return c.ws.Close() }
func (c *websocketConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *websocketConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }
func (c *websocketConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}
func (c *websocketConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *websocketConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

var _ net.Conn = (*websocketConn)(nil)
