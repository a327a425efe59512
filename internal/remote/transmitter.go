package remote

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/shaunagostinho/rc-remote/internal/clock"
	"github.com/shaunagostinho/rc-remote/internal/control"
	"github.com/shaunagostinho/rc-remote/internal/link"
)

// Status texts surfaced by the transmitter.
const (
	TxOffline = "Offline"
	TxOK      = "OK"
)

// Sender is the link as seen by the transmitter.
type Sender interface {
	IsOpen() bool
	Send(ctx context.Context, msg []byte) error
	LastSuccess() time.Time
}

// TransmitConfig holds the send cadence.
type TransmitConfig struct {
	TickMs    int `yaml:"tick_ms" json:"tickMs"`
	TimeoutMs int `yaml:"timeout_ms" json:"timeoutMs"` // per-send budget
	StaleMs   int `yaml:"stale_ms" json:"staleMs"`     // fail-safe window
	// Adaptive schedules the next tick after the previous send completes,
	// shortened by its round-trip time but never below MinDelayMs. Used by
	// the request/response transport.
	Adaptive   bool `yaml:"adaptive" json:"adaptive"`
	MinDelayMs int  `yaml:"min_delay_ms" json:"minDelayMs"`
}

// DefaultTransmitConfig is the WebSocket cadence.
func DefaultTransmitConfig() TransmitConfig {
	return TransmitConfig{TickMs: 100, TimeoutMs: 300, StaleMs: 1000, MinDelayMs: 10}
}

// Transmitter pushes the control tuple through the link on a fixed cadence
// and forces a reset when the link has gone quiet.
type Transmitter struct {
	link  Sender
	state *control.State
	enc   control.Encoder
	clk   clock.Clock

	period   time.Duration
	timeout  time.Duration
	stale    time.Duration
	minDelay time.Duration
	adaptive bool

	mu       sync.Mutex
	running  bool
	gen      uint64
	timer    clock.Timer
	inFlight bool
	status   string
	resets   int

	windowStart time.Time
	windowSent  int
	rate        int
}

// NewTransmitter returns a stopped Transmitter.
func NewTransmitter(l Sender, st *control.State, enc control.Encoder, clk clock.Clock, cfg TransmitConfig) *Transmitter {
	d := DefaultTransmitConfig()
	if cfg.TickMs <= 0 {
		cfg.TickMs = d.TickMs
	}
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = d.TimeoutMs
	}
	if cfg.StaleMs <= 0 {
		cfg.StaleMs = d.StaleMs
	}
	if cfg.MinDelayMs <= 0 {
		cfg.MinDelayMs = d.MinDelayMs
	}
	return &Transmitter{
		link:     l,
		state:    st,
		enc:      enc,
		clk:      clk,
		period:   time.Duration(cfg.TickMs) * time.Millisecond,
		timeout:  time.Duration(cfg.TimeoutMs) * time.Millisecond,
		stale:    time.Duration(cfg.StaleMs) * time.Millisecond,
		minDelay: time.Duration(cfg.MinDelayMs) * time.Millisecond,
		adaptive: cfg.Adaptive,
		status:   TxOffline,
	}
}

// Start begins ticking. The first tick runs immediately.
func (t *Transmitter) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.running = true
	t.gen++
	t.windowStart = t.clk.Now()
	t.scheduleLocked(0)
}

// Stop halts ticking. A send already in flight completes.
func (t *Transmitter) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Status returns the last send outcome: "OK", "Offline" or an error.
func (t *Transmitter) Status() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Rate is the number of successful sends in the last full second.
func (t *Transmitter) Rate() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rate
}

// Resets counts fail-safe resets forced by staleness.
func (t *Transmitter) Resets() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resets
}

// nextDelay bounds the adaptive cadence to [minDelay, period].
func (t *Transmitter) nextDelay(rtt time.Duration) time.Duration {
	return max(t.minDelay, min(t.period-rtt, t.period))
}

// rollRateLocked closes the counting window once a second has passed. A
// window that ended more than a second ago saw no sends at all.
func (t *Transmitter) rollRateLocked(now time.Time) {
	elapsed := now.Sub(t.windowStart)
	if elapsed < time.Second {
		return
	}
	t.rate = t.windowSent
	if elapsed >= 2*time.Second {
		t.rate = 0
	}
	t.windowSent = 0
	t.windowStart = now
}

func (t *Transmitter) scheduleLocked(d time.Duration) {
	gen := t.gen
	t.timer = t.clk.AfterFunc(d, func() { t.tick(gen) })
}

func (t *Transmitter) tick(gen uint64) {
	t.mu.Lock()
	if !t.running || gen != t.gen {
		t.mu.Unlock()
		return
	}
	if !t.adaptive {
		t.scheduleLocked(t.period)
	}
	if !t.link.IsOpen() {
		t.status = TxOffline
		t.rollRateLocked(t.clk.Now())
		if t.adaptive {
			t.scheduleLocked(t.period)
		}
		t.mu.Unlock()
		return
	}
	if t.inFlight {
		// Previous send still running; never overlap on one session. A send
		// from before a restart will not reschedule, so this generation must.
		t.rollRateLocked(t.clk.Now())
		if t.adaptive {
			t.scheduleLocked(t.period)
		}
		t.mu.Unlock()
		return
	}
	t.inFlight = true
	t.mu.Unlock()

	start := t.clk.Now()
	forced := false
	if start.Sub(t.link.LastSuccess()) > t.stale {
		t.state.Reset()
		forced = true
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	err := t.link.Send(ctx, t.enc.Encode(t.state.Snapshot()))
	cancel()
	end := t.clk.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight = false
	if forced {
		if t.resets == 0 || t.status == TxOK {
			log.Printf("[transmit] no round trip for %v, forcing neutral", t.stale)
		}
		t.resets++
	}
	switch {
	case err == nil:
		t.status = TxOK
		t.windowSent++
	case errors.Is(err, link.ErrOffline):
		t.status = TxOffline
	default:
		t.status = err.Error()
	}
	t.rollRateLocked(end)
	if t.adaptive && t.running && gen == t.gen {
		t.scheduleLocked(t.nextDelay(end.Sub(start)))
	}
}
