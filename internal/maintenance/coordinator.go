// Package maintenance runs the operations that need the car's web server to
// itself: firmware update and log download. Each one takes the control link
// down first and gives the firmware time to release its socket.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync/atomic"
	"time"

	"github.com/shaunagostinho/rc-remote/internal/clock"
)

var (
	// ErrBusy is returned when another maintenance operation is running.
	ErrBusy = errors.New("maintenance: another operation is in progress")
	// ErrNotConfirmed is returned when the operator declined.
	ErrNotConfirmed = errors.New("maintenance: not confirmed")
)

const (
	UpdatePrompt = "Are you sure you want to upload the update? The car will restart after a successful update."
	LogsPrompt   = "Downloading logs disconnects the car. Continue?"
)

// Link is the control link as seen by the coordinator.
type Link interface {
	// Suspend sends the exit notice, closes the session and refuses
	// reconnection until Resume.
	Suspend()
	Resume(ctx context.Context) error
}

// Endpoint performs the maintenance HTTP calls.
type Endpoint interface {
	Upload(ctx context.Context, image io.Reader) error
	FetchLogs(ctx context.Context) ([]LogFile, error)
}

// Confirmer asks the operator to approve a disruptive operation.
type Confirmer func(ctx context.Context, prompt string) bool

// Config holds maintenance timing.
type Config struct {
	BaseURL         string `yaml:"base_url" json:"baseUrl"`
	UpdateSettleMs  int    `yaml:"update_settle_ms" json:"updateSettleMs"`
	LogSettleMs     int    `yaml:"log_settle_ms" json:"logSettleMs"`
	UploadTimeoutMs int    `yaml:"upload_timeout_ms" json:"uploadTimeoutMs"`
	ReloadDelayMs   int    `yaml:"reload_delay_ms" json:"reloadDelayMs"` // wait for the car to reboot after an update
}

// Coordinator serializes maintenance operations against each other and
// against normal control traffic.
type Coordinator struct {
	link Link
	ep   Endpoint
	clk  clock.Clock

	updateSettle  time.Duration
	logSettle     time.Duration
	uploadTimeout time.Duration

	busy atomic.Bool
}

// NewCoordinator returns a Coordinator using cfg timings.
func NewCoordinator(l Link, ep Endpoint, clk clock.Clock, cfg Config) *Coordinator {
	c := &Coordinator{
		link:          l,
		ep:            ep,
		clk:           clk,
		updateSettle:  2 * time.Second,
		logSettle:     1 * time.Second,
		uploadTimeout: 60 * time.Second,
	}
	if cfg.UpdateSettleMs > 0 {
		c.updateSettle = time.Duration(cfg.UpdateSettleMs) * time.Millisecond
	}
	if cfg.LogSettleMs > 0 {
		c.logSettle = time.Duration(cfg.LogSettleMs) * time.Millisecond
	}
	if cfg.UploadTimeoutMs > 0 {
		c.uploadTimeout = time.Duration(cfg.UploadTimeoutMs) * time.Millisecond
	}
	return c
}

// Busy reports whether an operation is in flight.
func (c *Coordinator) Busy() bool { return c.busy.Load() }

// Update uploads a firmware image. On success the link stays down; the
// caller is expected to reload once the car has restarted. On failure the
// link is resumed.
func (c *Coordinator) Update(ctx context.Context, image io.Reader, confirm Confirmer) error {
	return c.run(ctx, "update", UpdatePrompt, confirm, c.updateSettle, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
		defer cancel()
		return c.ep.Upload(ctx, image)
	})
}

// FetchLogs downloads the car's logs. The link stays down on success, as
// for Update.
func (c *Coordinator) FetchLogs(ctx context.Context, confirm Confirmer) ([]LogFile, error) {
	var files []LogFile
	err := c.run(ctx, "logs", LogsPrompt, confirm, c.logSettle, func(ctx context.Context) error {
		var err error
		files, err = c.ep.FetchLogs(ctx)
		return err
	})
	return files, err
}

func (c *Coordinator) run(ctx context.Context, name, prompt string, confirm Confirmer, settle time.Duration, op func(context.Context) error) error {
	if !c.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer c.busy.Store(false)

	if confirm == nil || !confirm(ctx, prompt) {
		log.Printf("[maint] %s: not confirmed", name)
		return ErrNotConfirmed
	}

	log.Printf("[maint] %s: closing link, settling for %v", name, settle)
	c.link.Suspend()
	clock.Sleep(c.clk, settle)

	if err := op(ctx); err != nil {
		log.Printf("[maint] %s failed: %v (resuming link)", name, err)
		if rerr := c.link.Resume(context.Background()); rerr != nil {
			log.Printf("[maint] resume after failed %s: %v", name, rerr)
		}
		return fmt.Errorf("maintenance: %s: %w", name, err)
	}
	log.Printf("[maint] %s complete", name)
	return nil
}
