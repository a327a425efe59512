package sim

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shaunagostinho/rc-remote/internal/control"
)

func TestControlAndEmergencyStop(t *testing.T) {
	car := New(Config{EmergencyStopMs: 50})
	srv := httptest.NewServer(car.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/control", "application/x-www-form-urlencoded",
		strings.NewReader("steering=30&drive=2&horn=0&light=1"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	want := control.Tuple{Steering: 30, Drive: 2, Light: true}
	if got := car.State(); got != want {
		t.Fatalf("State() = %+v, want %+v", got, want)
	}

	time.Sleep(80 * time.Millisecond)
	if got := car.State(); got != (control.Tuple{Steering: 50}) {
		t.Fatalf("car did not stop after silence: %+v", got)
	}
}

func TestUpdateEndpoint(t *testing.T) {
	car := New(Config{})
	srv := httptest.NewServer(car.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/update", "application/octet-stream", bytes.NewReader([]byte("firmware")))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || car.UpdateSize() != len("firmware") {
		t.Fatalf("status = %d, size = %d", resp.StatusCode, car.UpdateSize())
	}

	car.SetUpdateFailure(true)
	resp, err = http.Post(srv.URL+"/update", "application/octet-stream", bytes.NewReader([]byte("bad")))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Fatal("rejected update reported OK")
	}
}
