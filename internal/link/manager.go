package link

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shaunagostinho/rc-remote/internal/clock"
)

// Config holds session timing.
type Config struct {
	// BackoffMs is the fixed delay before an automatic reconnect.
	BackoffMs     int `yaml:"backoff_ms" json:"backoffMs"`
	DialTimeoutMs int `yaml:"dial_timeout_ms" json:"dialTimeoutMs"`
	// ExitTimeoutMs bounds the best-effort exit notice.
	ExitTimeoutMs int `yaml:"exit_timeout_ms" json:"exitTimeoutMs"`
}

const (
	defaultBackoff     = 1 * time.Second
	defaultDialTimeout = 3 * time.Second
	defaultExitTimeout = 250 * time.Millisecond
)

// Manager owns the single active session to the car.
type Manager struct {
	dialer      Dialer
	clk         clock.Clock
	backoff     time.Duration
	dialTimeout time.Duration
	exitTimeout time.Duration

	mu          sync.Mutex
	listener    Listener
	gen         uint64
	status      Status
	conn        Conn
	lastSuccess time.Time
	userClosed  bool
	suppressed  bool
	reconnect   clock.Timer
}

// NewManager returns an idle Manager.
func NewManager(d Dialer, clk clock.Clock, cfg Config) *Manager {
	m := &Manager{
		dialer:      d,
		clk:         clk,
		backoff:     defaultBackoff,
		dialTimeout: defaultDialTimeout,
		exitTimeout: defaultExitTimeout,
	}
	if cfg.BackoffMs > 0 {
		m.backoff = time.Duration(cfg.BackoffMs) * time.Millisecond
	}
	if cfg.DialTimeoutMs > 0 {
		m.dialTimeout = time.Duration(cfg.DialTimeoutMs) * time.Millisecond
	}
	if cfg.ExitTimeoutMs > 0 {
		m.exitTimeout = time.Duration(cfg.ExitTimeoutMs) * time.Millisecond
	}
	return m
}

// SetListener installs the lifecycle observer.
func (m *Manager) SetListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = l
}

// Status returns the state of the current session.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// IsOpen reports whether a session is open.
func (m *Manager) IsOpen() bool { return m.Status() == StatusOpen }

// Generation returns the id of the current (or last) session.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

// LastSuccess is the time of the last confirmed send or receive. Opening a
// session counts as a success.
func (m *Manager) LastSuccess() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSuccess
}

// Connect opens a new session unless one is already connecting or open.
// It clears a previous user Disconnect, so automatic reconnection applies to
// the new session.
func (m *Manager) Connect(ctx context.Context) error {
	return m.connect(ctx, false)
}

func (m *Manager) connect(ctx context.Context, auto bool) error {
	m.mu.Lock()
	if auto && (m.userClosed || m.suppressed) {
		m.mu.Unlock()
		return nil
	}
	if !auto {
		m.userClosed = false
	}
	if m.status == StatusConnecting || m.status == StatusOpen {
		m.mu.Unlock()
		return nil
	}
	if m.suppressed {
		m.mu.Unlock()
		return ErrSuppressed
	}
	m.stopReconnectLocked()
	m.gen++
	gen := m.gen
	m.status = StatusConnecting
	m.conn = nil
	m.mu.Unlock()

	log.Printf("[link] connecting (session %d)", gen)
	dctx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	conn, err := m.dialer.Dial(dctx, &sessionHandler{m: m, gen: gen})
	cancel()

	m.mu.Lock()
	if gen != m.gen || m.status != StatusConnecting {
		// Torn down or failed while dialing.
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		if err != nil {
			return fmt.Errorf("link: dial: %w", err)
		}
		return ErrSuperseded
	}
	if err != nil {
		m.status = StatusClosed
		m.scheduleReconnectLocked()
		l := m.listener
		m.mu.Unlock()
		log.Printf("[link] session %d failed to connect: %v", gen, err)
		if l != nil {
			l.LinkClosed(err)
		}
		return fmt.Errorf("link: dial: %w", err)
	}
	m.status = StatusOpen
	m.conn = conn
	m.lastSuccess = m.clk.Now()
	l := m.listener
	m.mu.Unlock()

	log.Printf("[link] session %d open", gen)
	if l != nil {
		l.LinkOpened()
	}
	return nil
}

// Send writes one message on the open session. A successful write counts
// as a confirmed round trip.
func (m *Manager) Send(ctx context.Context, msg []byte) error {
	m.mu.Lock()
	if m.status != StatusOpen || m.conn == nil {
		m.mu.Unlock()
		return ErrOffline
	}
	conn, gen := m.conn, m.gen
	m.mu.Unlock()

	if err := conn.Send(ctx, msg); err != nil {
		return err
	}

	m.mu.Lock()
	if gen == m.gen {
		m.lastSuccess = m.clk.Now()
	}
	m.mu.Unlock()
	return nil
}

// Disconnect sends the exit notice if a session is open, closes it and
// disables automatic reconnection until the next Connect. Safe to call in
// any state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.userClosed = true
	m.teardown("disconnect")
}

// Suspend tears the session down for an exclusive maintenance operation.
// Reconnection, automatic or explicit, is refused until Resume.
func (m *Manager) Suspend() {
	m.mu.Lock()
	m.suppressed = true
	m.teardown("suspend")
}

// Resume re-enables reconnection and connects.
func (m *Manager) Resume(ctx context.Context) error {
	m.mu.Lock()
	m.suppressed = false
	m.mu.Unlock()
	return m.Connect(ctx)
}

// Suppressed reports whether maintenance currently holds the link.
func (m *Manager) Suppressed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suppressed
}

// teardown is entered with m.mu held and releases it.
func (m *Manager) teardown(reason string) {
	m.stopReconnectLocked()
	active := m.status == StatusConnecting || m.status == StatusOpen
	wasOpen := m.status == StatusOpen
	conn := m.conn
	gen := m.gen
	if active {
		m.gen++ // invalidate callbacks from the old transport
		m.status = StatusClosed
	}
	m.conn = nil
	l := m.listener
	m.mu.Unlock()

	if !active {
		return
	}
	if wasOpen && conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.exitTimeout)
		if err := conn.Send(ctx, []byte(ExitNotice)); err != nil {
			log.Printf("[link] exit notice failed: %v", err)
		}
		cancel()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Printf("[link] close: %v", err)
		}
	}
	log.Printf("[link] session %d closed (%s)", gen, reason)
	if l != nil {
		l.LinkClosed(nil)
	}
}

func (m *Manager) handleMessage(gen uint64, msg []byte) {
	m.mu.Lock()
	if gen != m.gen || m.status != StatusOpen {
		m.mu.Unlock()
		return
	}
	m.lastSuccess = m.clk.Now()
	l := m.listener
	m.mu.Unlock()

	if l != nil {
		l.LinkMessage(msg)
	}
}

func (m *Manager) handleClose(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen || (m.status != StatusOpen && m.status != StatusConnecting) {
		m.mu.Unlock()
		return
	}
	m.status = StatusClosed
	conn := m.conn
	m.conn = nil
	m.scheduleReconnectLocked()
	l := m.listener
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if err == nil {
		err = errors.New("closed by peer")
	}
	log.Printf("[link] session %d lost: %v", gen, err)
	if l != nil {
		l.LinkClosed(err)
	}
}

func (m *Manager) scheduleReconnectLocked() {
	if m.userClosed || m.suppressed {
		return
	}
	m.stopReconnectLocked()
	m.reconnect = m.clk.AfterFunc(m.backoff, func() {
		m.mu.Lock()
		m.reconnect = nil
		m.mu.Unlock()
		if err := m.connect(context.Background(), true); err != nil {
			log.Printf("[link] reconnect: %v (retry in %v)", err, m.backoff)
		}
	})
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

type sessionHandler struct {
	m   *Manager
	gen uint64
}

func (h *sessionHandler) HandleMessage(msg []byte) { h.m.handleMessage(h.gen, msg) }
func (h *sessionHandler) HandleClose(err error)    { h.m.handleClose(h.gen, err) }
