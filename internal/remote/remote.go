// Package remote ties the control state, the link to the car and the
// maintenance operations into the single session object the panel drives.
package remote

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/shaunagostinho/rc-remote/internal/clock"
	"github.com/shaunagostinho/rc-remote/internal/control"
	"github.com/shaunagostinho/rc-remote/internal/link"
	"github.com/shaunagostinho/rc-remote/internal/maintenance"
	"github.com/shaunagostinho/rc-remote/internal/telemetry"
)

var errNoMaintenance = errors.New("remote: no maintenance endpoint configured")

// Config collects the settings of every part of the session.
type Config struct {
	Control     control.Config
	Transmit    TransmitConfig
	Link        link.Config
	Maintenance maintenance.Config
	Calibration telemetry.Calibration
	// GateOnLink drops intents while the link is not open.
	GateOnLink bool
}

// Parts are the pluggable pieces a Remote is built from.
type Parts struct {
	Dialer   link.Dialer
	Encoder  control.Encoder
	Decoder  telemetry.Decoder
	Endpoint maintenance.Endpoint
	Clock    clock.Clock
}

// Status is a point-in-time view of the session.
type Status struct {
	Control      control.Tuple      `json:"control"`
	Link         link.Status        `json:"link"`
	Session      uint64             `json:"session"`
	Transmit     string             `json:"transmit"`
	RequestRate  int                `json:"requestRate"`
	Resets       int                `json:"resets"`
	Telemetry    telemetry.Snapshot `json:"telemetry"`
	Maintenance  bool               `json:"maintenance"`
	LastError    string             `json:"lastError,omitempty"`
	ConnectedAt  time.Time          `json:"connectedAt"`
	SteeringAxis string             `json:"steeringAxis"`
	DriveAxis    string             `json:"driveAxis"`
}

// Remote is the operator's session with one car.
type Remote struct {
	clk         clock.Clock
	state       *control.State
	sampler     *control.Sampler
	link        *link.Manager
	tx          *Transmitter
	store       *telemetry.Store
	maint       *maintenance.Coordinator
	reloadDelay time.Duration

	mu          sync.Mutex
	lastError   string
	connectedAt time.Time
	reload      clock.Timer
}

// New assembles a Remote. Nothing runs until Start.
func New(cfg Config, p Parts) *Remote {
	clk := p.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	cal := cfg.Calibration
	if cal == (telemetry.Calibration{}) {
		cal = telemetry.DefaultCalibration()
	}
	dec := p.Decoder
	if dec == nil {
		dec = telemetry.Delimited{}
	}
	enc := p.Encoder
	if enc == nil {
		enc = control.Delimited{}
	}

	r := &Remote{
		clk:         clk,
		state:       control.NewState(cfg.Control, clk),
		link:        link.NewManager(p.Dialer, clk, cfg.Link),
		store:       telemetry.NewStore(dec, cal),
		reloadDelay: 5 * time.Second,
	}
	if cfg.Maintenance.ReloadDelayMs > 0 {
		r.reloadDelay = time.Duration(cfg.Maintenance.ReloadDelayMs) * time.Millisecond
	}
	r.sampler = control.NewSampler(r.state, clk)
	if cfg.GateOnLink {
		r.sampler.SetGate(r.link.IsOpen)
	}
	r.tx = NewTransmitter(r.link, r.state, enc, clk, cfg.Transmit)
	if p.Endpoint != nil {
		r.maint = maintenance.NewCoordinator(r.link, p.Endpoint, clk, cfg.Maintenance)
	}
	r.link.SetListener(r)
	return r
}

// Start begins transmitting and opens the link in the background. A failed
// first dial is retried by the link itself.
func (r *Remote) Start(ctx context.Context) {
	r.tx.Start()
	go func() {
		if err := r.link.Connect(ctx); err != nil {
			log.Printf("[remote] initial connect: %v", err)
		}
	}()
}

// Close stops transmitting and closes the link with an exit notice.
func (r *Remote) Close() {
	r.tx.Stop()
	r.mu.Lock()
	if r.reload != nil {
		r.reload.Stop()
		r.reload = nil
	}
	r.mu.Unlock()
	r.state.Reset()
	r.link.Disconnect()
}

// Connect opens the link if it is not already open or connecting.
func (r *Remote) Connect(ctx context.Context) error {
	return r.link.Connect(ctx)
}

// Disconnect returns the controls to neutral and closes the link. No
// automatic reconnect follows.
func (r *Remote) Disconnect() {
	r.state.Reset()
	r.link.Disconnect()
}

// Reload starts over: neutral controls and a fresh session.
func (r *Remote) Reload(ctx context.Context) error {
	r.state.Reset()
	if r.link.Suppressed() {
		return r.link.Resume(ctx)
	}
	return r.link.Connect(ctx)
}

// Press starts a held input.
func (r *Remote) Press(in control.Intent) bool { return r.sampler.Press(in) }

// Release ends a held input.
func (r *Remote) Release(in control.Intent) { r.sampler.Release(in) }

// Apply performs a one-shot input.
func (r *Remote) Apply(in control.Intent) bool { return r.sampler.Apply(in) }

// State exposes the control state for readers such as the recorder.
func (r *Remote) State() *control.State { return r.state }

// Update uploads a firmware image. After a successful upload the session is
// reloaded once the car has had time to restart.
func (r *Remote) Update(ctx context.Context, image io.Reader, confirm maintenance.Confirmer) error {
	if r.maint == nil {
		return errNoMaintenance
	}
	if err := r.maint.Update(ctx, image, r.resetOnConfirm(confirm)); err != nil {
		r.setError(err)
		return err
	}
	r.mu.Lock()
	if r.reload != nil {
		r.reload.Stop()
	}
	r.reload = r.clk.AfterFunc(r.reloadDelay, func() {
		if err := r.Reload(context.Background()); err != nil {
			log.Printf("[remote] reload after update: %v", err)
		}
	})
	r.mu.Unlock()
	return nil
}

// FetchLogs downloads the car's logs and then reloads the session.
func (r *Remote) FetchLogs(ctx context.Context, confirm maintenance.Confirmer) ([]maintenance.LogFile, error) {
	if r.maint == nil {
		return nil, errNoMaintenance
	}
	files, err := r.maint.FetchLogs(ctx, r.resetOnConfirm(confirm))
	if err != nil {
		r.setError(err)
		return nil, err
	}
	if err := r.Reload(ctx); err != nil {
		log.Printf("[remote] reload after logs: %v", err)
	}
	return files, nil
}

// resetOnConfirm neutralizes the controls once the operator has approved a
// maintenance operation. A declined or busy request leaves them alone.
func (r *Remote) resetOnConfirm(confirm maintenance.Confirmer) maintenance.Confirmer {
	if confirm == nil {
		return nil
	}
	return func(ctx context.Context, prompt string) bool {
		if !confirm(ctx, prompt) {
			return false
		}
		r.state.Reset()
		return true
	}
}

// Status returns a snapshot for display.
func (r *Remote) Status() Status {
	r.mu.Lock()
	lastErr, connectedAt := r.lastError, r.connectedAt
	r.mu.Unlock()

	st := Status{
		Control:      r.state.Snapshot(),
		Link:         r.link.Status(),
		Session:      r.link.Generation(),
		Transmit:     r.tx.Status(),
		RequestRate:  r.tx.Rate(),
		Resets:       r.tx.Resets(),
		Telemetry:    r.store.Snapshot(),
		LastError:    lastErr,
		ConnectedAt:  connectedAt,
		SteeringAxis: r.sampler.Phase(control.AxisSteering).String(),
		DriveAxis:    r.sampler.Phase(control.AxisDrive).String(),
	}
	if r.maint != nil {
		st.Maintenance = r.maint.Busy()
	}
	return st
}

// LinkOpened implements link.Listener.
func (r *Remote) LinkOpened() {
	r.mu.Lock()
	r.connectedAt = r.clk.Now()
	r.lastError = ""
	r.mu.Unlock()
	log.Printf("[remote] connected (session %d)", r.link.Generation())
}

// LinkMessage implements link.Listener.
func (r *Remote) LinkMessage(msg []byte) {
	r.store.Ingest(msg, r.clk.Now())
}

// LinkClosed implements link.Listener. Any close, intended or not, puts the
// controls back to neutral.
func (r *Remote) LinkClosed(err error) {
	r.state.Reset()
	if err != nil {
		r.setError(err)
		log.Printf("[remote] link lost: %v", err)
	}
}

func (r *Remote) setError(err error) {
	r.mu.Lock()
	r.lastError = err.Error()
	r.mu.Unlock()
}
