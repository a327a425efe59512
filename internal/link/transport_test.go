package link_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shaunagostinho/rc-remote/internal/control"
	"github.com/shaunagostinho/rc-remote/internal/link"
	"github.com/shaunagostinho/rc-remote/internal/sim"
)

type chanHandler struct {
	msgs   chan string
	closed chan error
	once   sync.Once
}

func newChanHandler() *chanHandler {
	return &chanHandler{msgs: make(chan string, 16), closed: make(chan error, 1)}
}

func (h *chanHandler) HandleMessage(msg []byte) { h.msgs <- string(msg) }
func (h *chanHandler) HandleClose(err error)    { h.once.Do(func() { h.closed <- err }) }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	car := sim.New(sim.Config{TelemetryEvery: 1})
	srv := httptest.NewServer(car.Handler())
	defer srv.Close()

	h := newChanHandler()
	d := link.WebSocketDialer{URL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}
	conn, err := d.Dial(context.Background(), h)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := conn.Send(context.Background(), control.Delimited{}.Encode(control.Tuple{Steering: 40, Drive: 1})); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-h.msgs:
		if !strings.Contains(msg, ";") {
			t.Fatalf("telemetry = %q, want battery;memory", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no telemetry")
	}
	if got := car.State(); got != (control.Tuple{Steering: 40, Drive: 1}) {
		t.Fatalf("car state = %+v", got)
	}

	conn.Send(context.Background(), []byte(link.ExitNotice))
	waitFor(t, "exit event", func() bool {
		for _, ev := range car.Events() {
			if ev.Kind == "exit" {
				return true
			}
		}
		return false
	})
	select {
	case <-h.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not report the peer close")
	}
}

func TestPollingRoundTrip(t *testing.T) {
	car := sim.New(sim.Config{})
	srv := httptest.NewServer(car.Handler())
	defer srv.Close()

	h := newChanHandler()
	conn, err := link.PollingDialer{URL: srv.URL + "/control"}.Dial(context.Background(), h)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := conn.Send(ctx, control.Query{}.Encode(control.Tuple{Steering: 60, Horn: true})); err != nil {
		t.Fatal(err)
	}
	msg := <-h.msgs
	if !strings.Contains(msg, `"battery"`) {
		t.Fatalf("response = %q", msg)
	}
	if got := car.State(); got != (control.Tuple{Steering: 60, Horn: true}) {
		t.Fatalf("car state = %+v", got)
	}

	conn.Close()
	if err := conn.Send(context.Background(), []byte("50;0;0;0")); err == nil {
		t.Fatal("send after close succeeded")
	}
}

func TestPollingNon2xxIsError(t *testing.T) {
	car := sim.New(sim.Config{})
	srv := httptest.NewServer(car.Handler())
	defer srv.Close()

	conn, _ := link.PollingDialer{URL: srv.URL + "/missing"}.Dial(context.Background(), newChanHandler())
	if err := conn.Send(context.Background(), []byte("50;0;0;0")); err == nil {
		t.Fatal("404 reported as success")
	}
}
