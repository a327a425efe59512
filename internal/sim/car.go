// Package sim is a stand-in for the car's onboard controller. It speaks the
// same endpoints as the firmware so the remote can run without hardware.
package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/rc-remote/internal/control"
	"github.com/shaunagostinho/rc-remote/internal/link"
)

// Config tunes the simulated car.
type Config struct {
	// EmergencyStopMs is the silence after which the car returns to neutral.
	EmergencyStopMs int
	// TelemetryEvery sends one telemetry message per N control messages on
	// the socket.
	TelemetryEvery int
	SteeringMax    int
}

// Event is something the car observed, for tests and the demo log.
type Event struct {
	Kind string // "connect", "control", "exit", "disconnect", "update", "log"
	At   time.Time
}

// Car simulates the firmware's server and drive loop.
type Car struct {
	mu       sync.Mutex
	cfg      Config
	upgrader websocket.Upgrader

	tuple       control.Tuple
	lastCommand time.Time
	battery     float64 // volts
	memUsed     int
	messages    int
	failUpdates bool
	updateSize  int

	events []Event
	logs   []string
}

// New returns a car with a charged battery at the neutral tuple.
func New(cfg Config) *Car {
	if cfg.EmergencyStopMs <= 0 {
		cfg.EmergencyStopMs = 500
	}
	if cfg.TelemetryEvery <= 0 {
		cfg.TelemetryEvery = 10
	}
	if cfg.SteeringMax <= 0 {
		cfg.SteeringMax = 100
	}
	return &Car{
		cfg:      cfg,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		tuple:    control.Tuple{Steering: cfg.SteeringMax / 2},
		battery:  4.7,
		memUsed:  180_000,
	}
}

// Handler serves the firmware endpoints.
func (c *Car) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", c.handleWS)
	mux.HandleFunc("/control", c.handleControl)
	mux.HandleFunc("/update", c.handleUpdate)
	mux.HandleFunc("/log.txt", c.handleLog)
	mux.HandleFunc("/log.old.txt", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	return mux
}

// Serve runs the car on addr until ctx is cancelled.
func (c *Car) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: c.Handler()}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()
	log.Printf("[sim] car listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// State returns what the drive loop would apply now. After EmergencyStopMs
// without a control message the car is back at neutral.
func (c *Car) State() control.Tuple {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emergencyStopLocked(time.Now())
	return c.tuple
}

// Events returns a copy of everything observed so far.
func (c *Car) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// UpdateSize is the byte length of the last accepted firmware image.
func (c *Car) UpdateSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updateSize
}

// SetUpdateFailure makes /update reject images.
func (c *Car) SetUpdateFailure(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failUpdates = fail
}

func (c *Car) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[sim] upgrade error: %v", err)
		return
	}
	defer conn.Close()
	c.record("connect")

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.record("disconnect")
			return
		}
		if strings.TrimSpace(string(msg)) == link.ExitNotice {
			c.record("exit")
			return
		}
		if !c.apply(string(msg)) {
			continue
		}
		if c.telemetryDue() {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(c.telemetry())); err != nil {
				c.record("disconnect")
				return
			}
		}
	}
}

func (c *Car) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1024))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(string(body)) == link.ExitNotice {
		c.record("exit")
	} else {
		c.apply(string(body))
	}

	c.mu.Lock()
	volts := c.battery
	c.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"battery": fmt.Sprintf("%.2f", volts),
	})
}

func (c *Car) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	image, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	c.record("update")

	c.mu.Lock()
	fail := c.failUpdates
	if !fail {
		c.updateSize = len(image)
	}
	c.mu.Unlock()

	if fail || len(image) == 0 {
		http.Error(w, "update rejected", http.StatusInternalServerError)
		return
	}
	w.Write([]byte("OK"))
}

func (c *Car) handleLog(w http.ResponseWriter, r *http.Request) {
	c.record("log")
	c.mu.Lock()
	text := strings.Join(c.logs, "\n")
	c.mu.Unlock()
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, text+"\n")
}

// apply parses a control message and updates the drive loop.
func (c *Car) apply(msg string) bool {
	t, err := control.ParseTuple(msg)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tuple = t
	c.lastCommand = time.Now()
	c.messages++
	c.events = append(c.events, Event{Kind: "control", At: c.lastCommand})

	// Drain faster when the motor runs.
	c.battery -= 0.00002 * float64(1+abs(t.Drive))
	if c.battery < 3.6 {
		c.battery = 4.7
	}
	c.memUsed = 180_000 + rand.Intn(20_000)
	return true
}

func (c *Car) telemetryDue() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messages%c.cfg.TelemetryEvery == 0
}

func (c *Car) telemetry() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("%.2f;%d", c.battery, c.memUsed)
}

func (c *Car) emergencyStopLocked(now time.Time) {
	if c.lastCommand.IsZero() {
		return
	}
	if now.Sub(c.lastCommand) > time.Duration(c.cfg.EmergencyStopMs)*time.Millisecond {
		c.tuple = control.Tuple{Steering: c.cfg.SteeringMax / 2}
	}
}

func (c *Car) record(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.events = append(c.events, Event{Kind: kind, At: now})
	if kind != "control" {
		c.logs = append(c.logs, fmt.Sprintf("%s %s", now.Format(time.RFC3339), kind))
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
