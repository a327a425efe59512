package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/rc-remote/internal/control"
	"github.com/shaunagostinho/rc-remote/internal/link"
	"github.com/shaunagostinho/rc-remote/internal/maintenance"
	"github.com/shaunagostinho/rc-remote/internal/remote"
	"github.com/shaunagostinho/rc-remote/internal/sim"
)

type recordingSink struct {
	mu     sync.Mutex
	frames []remote.Status
}

func (s *recordingSink) Mirror(ctx context.Context, st remote.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, st)
}

type harness struct {
	car    *sim.Car
	rem    *remote.Remote
	srv    *Server
	panel  *httptest.Server
	cfg    *Config
	carSrv *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	car := sim.New(sim.Config{})
	carSrv := httptest.NewServer(car.Handler())
	t.Cleanup(carSrv.Close)

	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), "config.yaml")
	cfg.Logging.Path = t.TempDir()

	rem := remote.New(remote.Config{
		Control:     cfg.Control,
		Link:        cfg.Link.Session(),
		GateOnLink:  true,
		Maintenance: maintenance.Config{UpdateSettleMs: 20, LogSettleMs: 20, ReloadDelayMs: 50},
	}, remote.Parts{
		Dialer:   link.WebSocketDialer{URL: "ws" + strings.TrimPrefix(carSrv.URL, "http") + "/ws"},
		Endpoint: &maintenance.Client{BaseURL: carSrv.URL},
	})
	t.Cleanup(rem.Close)

	srv := New(cfg, rem, nil)
	panel := httptest.NewServer(srv.Handler())
	t.Cleanup(panel.Close)
	return &harness{car: car, rem: rem, srv: srv, panel: panel, cfg: cfg, carSrv: carSrv}
}

func (h *harness) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(h.panel.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeStatus(t *testing.T, resp *http.Response) remote.Status {
	t.Helper()
	var st remote.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestConnectAndIntent(t *testing.T) {
	h := newHarness(t)

	// Gated while offline.
	if st := decodeStatus(t, h.post(t, "/api/intent", `{"intent":"right"}`)); st.Control.Steering != 50 {
		t.Fatalf("offline intent applied: %+v", st.Control)
	}

	resp := h.post(t, "/api/connect", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("connect = %s", resp.Status)
	}
	if st := decodeStatus(t, resp); st.Link != link.StatusOpen {
		t.Fatalf("link = %v", st.Link)
	}

	st := decodeStatus(t, h.post(t, "/api/intent", `{"intent":"right","phase":"tap"}`))
	if st.Control.Steering != 55 {
		t.Fatalf("steering = %d, want 55", st.Control.Steering)
	}
	if resp := h.post(t, "/api/intent", `{"intent":"jump"}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown intent = %s", resp.Status)
	}

	st = decodeStatus(t, h.post(t, "/api/disconnect", ""))
	if st.Link != link.StatusClosed || st.Control != (control.Tuple{Steering: 50}) {
		t.Fatalf("after disconnect = %+v", st)
	}
}

func TestUpdateRequiresConfirmation(t *testing.T) {
	h := newHarness(t)
	h.post(t, "/api/connect", "")

	resp, err := http.Post(h.panel.URL+"/api/update", "application/octet-stream", strings.NewReader("img"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("unconfirmed update = %s", resp.Status)
	}
	if h.rem.Status().Link != link.StatusOpen || h.car.UpdateSize() != 0 {
		t.Fatal("unconfirmed update touched the link or the car")
	}

	resp, err = http.Post(h.panel.URL+"/api/update?confirm=yes", "application/octet-stream", strings.NewReader("firmware"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update = %s", resp.Status)
	}
	if h.car.UpdateSize() != len("firmware") {
		t.Fatalf("car got %d bytes", h.car.UpdateSize())
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.rem.Status().Link != link.StatusOpen {
		if time.Now().After(deadline) {
			t.Fatal("session not reloaded after update")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRawUpdateKeepsFormEncodedBody(t *testing.T) {
	h := newHarness(t)
	h.post(t, "/api/connect", "")

	// curl --data-binary labels the image as a urlencoded form.
	image := "a=1&confirm=no&rest"
	resp, err := http.Post(h.panel.URL+"/api/update?confirm=yes", "application/x-www-form-urlencoded", strings.NewReader(image))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update = %s", resp.Status)
	}
	if h.car.UpdateSize() != len(image) {
		t.Fatalf("car got %d bytes, want %d", h.car.UpdateSize(), len(image))
	}
}

func TestMultipartUpdateConfirmField(t *testing.T) {
	h := newHarness(t)
	h.post(t, "/api/connect", "")

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("confirm", "yes")
	fw, err := mw.CreateFormFile("firmware", "fw.bin")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte("firmware"))
	mw.Close()

	resp, err := http.Post(h.panel.URL+"/api/update", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update = %s", resp.Status)
	}
	if h.car.UpdateSize() != len("firmware") {
		t.Fatalf("car got %d bytes", h.car.UpdateSize())
	}
}

func TestUpdateFailureReported(t *testing.T) {
	h := newHarness(t)
	h.post(t, "/api/connect", "")
	h.car.SetUpdateFailure(true)

	resp, err := http.Post(h.panel.URL+"/api/update?confirm=yes", "application/octet-stream", strings.NewReader("firmware"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("failed update = %s", resp.Status)
	}
	if h.rem.Status().Link != link.StatusOpen {
		t.Fatal("link not resumed after failed update")
	}
}

func TestLogs(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.panel.URL + "/api/logs?confirm=yes")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var files []logFileJSON
	if err := json.NewDecoder(resp.Body).Decode(&files); err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Name != "log.txt" {
		t.Fatalf("files = %+v", files)
	}
}

func TestConfigAPI(t *testing.T) {
	h := newHarness(t)

	resp := h.post(t, "/api/config", `{"transmit":{"tickMs":50}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("post config = %s", resp.Status)
	}
	get, err := http.Get(h.panel.URL + "/api/config")
	if err != nil {
		t.Fatal(err)
	}
	defer get.Body.Close()
	var got Config
	if err := json.NewDecoder(get.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Transmit.TickMs != 50 || got.Link.Transport != "websocket" {
		t.Fatalf("config = %+v %+v", got.Transmit, got.Link)
	}
}

func TestPanelWebSocket(t *testing.T) {
	h := newHarness(t)
	h.post(t, "/api/connect", "")

	url := "ws" + strings.TrimPrefix(h.panel.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	var first Frame
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatal(err)
	}
	if first.Control == nil || first.Control.SteeringMax != 100 || first.Status == nil {
		t.Fatalf("initial frame = %+v", first)
	}

	if err := conn.WriteJSON(IntentMessage{Intent: "light"}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !h.rem.Status().Control.Light {
		if time.Now().After(deadline) {
			t.Fatal("light intent not applied")
		}
		time.Sleep(5 * time.Millisecond)
	}

	sink := &recordingSink{}
	h.srv.AddSink(sink)
	h.srv.publish(context.Background(), time.Now())

	var frame Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatal(err)
	}
	if frame.Status == nil || !frame.Status.Control.Light {
		t.Fatalf("broadcast frame = %+v", frame)
	}
	if len(sink.frames) != 1 {
		t.Fatalf("sink saw %d frames", len(sink.frames))
	}
}
