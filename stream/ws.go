package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// WSConn wraps a websocket connection with JSON framing and a write
// mutex, since the underlying connection does not allow concurrent
// writes.
type WSConn struct {
	conn   *websocket.Conn
	logger *zap.Logger
	mu     sync.Mutex
	closed bool
}

func NewWSConn(conn *websocket.Conn, logger *zap.Logger) *WSConn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSConn{
		conn:   conn,
		logger: logger.With(zap.String("component", "ws_conn")),
	}
}

// WriteJSON serializes v and sends it as one text message.
func (c *WSConn) WriteJSON(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection closed")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Close sends a normal closure frame. Safe to call more than once.
func (c *WSConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close(websocket.StatusNormalClosure, "closing")
}

// CloseRead starts a background reader that discards incoming messages
// and cancels the returned context when the peer goes away.
func (c *WSConn) CloseRead(ctx context.Context) context.Context {
	return c.conn.CloseRead(ctx)
}
