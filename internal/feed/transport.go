package feed

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// Conn is one open feed connection. Read blocks until a frame arrives, the
// connection fails, or ctx is done.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens feed connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials the feed over WebSocket.
type WebSocketDialer struct {
	Header           http.Header
	HandshakeTimeout time.Duration
	ReadLimit        int64
}

// NewWebSocketDialer returns a dialer that sends token as a bearer
// credential when it is non-empty.
func NewWebSocketDialer(token string, handshakeTimeout time.Duration) *WebSocketDialer {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return &WebSocketDialer{
		Header:           header,
		HandshakeTimeout: handshakeTimeout,
		ReadLimit:        1 << 20,
	}
}

func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	if d.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.HandshakeTimeout)
		defer cancel()
	}

	c, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: d.Header,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: HTTP %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if d.ReadLimit > 0 {
		c.SetReadLimit(d.ReadLimit)
	}
	return &wsConn{conn: c}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
