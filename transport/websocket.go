package transport

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"swarm-rpc/protocol"
)

// DefaultReadLimit caps one inbound frame at the largest binary-framed envelope.
const DefaultReadLimit = int64(protocol.HeaderSize) + int64(protocol.MaxBodySize)

// Conn is one message-oriented duplex link: every ReadMessage returns exactly
// one envelope worth of bytes.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// WebSocketConn adapts a gorilla connection to Conn. gorilla allows one
// concurrent writer, so writes are serialized here.
type WebSocketConn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error

	sent     atomic.Int64
	received atomic.Int64
}

// NewWebSocketConn wraps ws with DefaultReadLimit applied. A larger frame
// fails the read and the connection.
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	ws.SetReadLimit(DefaultReadLimit)
	return &WebSocketConn{ws: ws}
}

// SetReadLimit replaces the per-frame read limit.
func (c *WebSocketConn) SetReadLimit(n int64) { c.ws.SetReadLimit(n) }

func (c *WebSocketConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	c.received.Add(int64(len(data)))
	return data, err
}

// Stats returns the payload bytes written and read so far.
func (c *WebSocketConn) Stats() (sent, received int64) {
	return c.sent.Load(), c.received.Load()
}

// WriteMessage sends data as a text frame, or as a binary frame when it is not UTF-8.
func (c *WebSocketConn) WriteMessage(data []byte) error {
	mt := websocket.TextMessage
	if !utf8.Valid(data) {
		mt = websocket.BinaryMessage
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(mt, data); err != nil {
		return err
	}
	c.sent.Add(int64(len(data)))
	return nil
}

// Close sends a close frame when possible and drops the connection.
func (c *WebSocketConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// RemoteAddr is the peer address, for logging.
func (c *WebSocketConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

var wsDialer = websocket.Dialer{
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
	HandshakeTimeout: 45 * time.Second,
	Proxy:            http.ProxyFromEnvironment,
}

// DialWebSocket opens a WebSocket connection to url.
func DialWebSocket(ctx context.Context, url string) (Conn, error) {
	ws, _, err := wsDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocketConn(ws), nil
}
