package link

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
)

const maxPollResponse = 4 << 10

// PollingDialer is the request/response fallback: every control message is
// a POST to URL (e.g. http://192.168.4.1/control) and the response body is
// delivered as the inbound telemetry message.
type PollingDialer struct {
	URL    string
	Client *http.Client
}

func (d PollingDialer) Dial(ctx context.Context, h Handler) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &pollConn{url: d.URL, client: client, h: h}, nil
}

type pollConn struct {
	url    string
	client *http.Client
	h      Handler

	mu     sync.Mutex // one request at a time
	closed bool
}

// Send issues one request. The caller's ctx carries the request timeout.
func (c *pollConn) Send(ctx context.Context, msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(msg))
	if err != nil {
		return fmt.Errorf("polling: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("polling: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPollResponse))
	if err != nil {
		return fmt.Errorf("polling: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("polling: %s", resp.Status)
	}
	if len(body) > 0 {
		c.h.HandleMessage(body)
	}
	return nil
}

func (c *pollConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
