package link

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 500 * time.Millisecond

// WebSocketDialer connects to the car's persistent control socket,
// e.g. ws://192.168.4.1/ws.
type WebSocketDialer struct {
	URL string
}

func (d WebSocketDialer) Dial(ctx context.Context, h Handler) (Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, d.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket: dial %s: %w", d.URL, err)
	}
	c := &wsConn{ws: ws}
	go c.readLoop(h)
	return c, nil
}

type wsConn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) Send(ctx context.Context, msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(100*time.Millisecond))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *wsConn) readLoop(h Handler) {
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			h.HandleClose(err)
			return
		}
		h.HandleMessage(msg)
	}
}
