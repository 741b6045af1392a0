package discovery

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
)

// Transport opens relay connections. Production code dials websockets;
// tests inject fakes.
type Transport interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Conn is a single relay connection. Close must be safe to call more
// than once: the owning task releases the connection on every exit path
// and a deadline watcher may race it.
type Conn interface {
	WriteJSON(v interface{}) error
	ReadMessage() ([]byte, error)
	Close() error
}

// WebSocketTransport dials relays over websocket.
type WebSocketTransport struct {
	Dialer *websocket.Dialer
}

var _ Transport = (*WebSocketTransport)(nil)

func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{Dialer: websocket.DefaultDialer}
}

func (t *WebSocketTransport) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	// Reads must not outlive the task that owns this connection.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

func (c *wsConn) WriteJSON(v interface{}) error {
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}
