package control

import (
	"sync"
	"time"

	"github.com/shaunagostinho/rc-remote/internal/clock"
)

// Config holds the control ranges and timings.
type Config struct {
	SteeringMin  int `yaml:"steering_min" json:"steeringMin"`
	SteeringMax  int `yaml:"steering_max" json:"steeringMax"`
	SteeringStep int `yaml:"steering_step" json:"steeringStep"`

	ReverseMax int `yaml:"reverse_max" json:"reverseMax"` // most negative drive level
	ForwardMax int `yaml:"forward_max" json:"forwardMax"`

	HornMs        int `yaml:"horn_ms" json:"hornMs"`
	HoldDelayMs   int `yaml:"hold_delay_ms" json:"holdDelayMs"`
	SteerRepeatMs int `yaml:"steer_repeat_ms" json:"steerRepeatMs"`
	DriveRepeatMs int `yaml:"drive_repeat_ms" json:"driveRepeatMs"`
}

// DefaultConfig matches the WebSocket panel firmware.
func DefaultConfig() Config {
	return Config{
		SteeringMin:   0,
		SteeringMax:   100,
		SteeringStep:  5,
		ReverseMax:    -2,
		ForwardMax:    4,
		HornMs:        500,
		HoldDelayMs:   200,
		SteerRepeatMs: 50,
		DriveRepeatMs: 150,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SteeringMax <= c.SteeringMin {
		c.SteeringMin, c.SteeringMax = d.SteeringMin, d.SteeringMax
	}
	if c.SteeringStep <= 0 {
		c.SteeringStep = d.SteeringStep
	}
	if c.ReverseMax > 0 {
		c.ReverseMax = 0
	}
	if c.ForwardMax < 0 {
		c.ForwardMax = 0
	}
	if c.HornMs <= 0 {
		c.HornMs = d.HornMs
	}
	if c.HoldDelayMs <= 0 {
		c.HoldDelayMs = d.HoldDelayMs
	}
	if c.SteerRepeatMs <= 0 {
		c.SteerRepeatMs = d.SteerRepeatMs
	}
	if c.DriveRepeatMs <= 0 {
		c.DriveRepeatMs = d.DriveRepeatMs
	}
	return c
}

// Neutral is the centered steering value.
func (c Config) Neutral() int {
	return (c.SteeringMin + c.SteeringMax) / 2
}

// State is the single mutable control tuple. Every mutation leaves steering
// and drive inside their configured ranges.
type State struct {
	mu  sync.Mutex
	cfg Config
	clk clock.Clock

	steering int
	drive    int
	horn     bool
	light    bool

	hornTimer clock.Timer
	hornGen   uint64

	cancelRepeat func(Axis)
}

// NewState returns a State at the neutral tuple.
func NewState(cfg Config, clk clock.Clock) *State {
	cfg = cfg.withDefaults()
	return &State{
		cfg:      cfg,
		clk:      clk,
		steering: cfg.Neutral(),
	}
}

// Config returns the effective configuration.
func (s *State) Config() Config { return s.cfg }

// Snapshot returns the current tuple.
func (s *State) Snapshot() Tuple {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Tuple{Steering: s.steering, Drive: s.drive, Horn: s.horn, Light: s.light}
}

// AdjustSteering moves steering by delta, clamped to the range.
func (s *State) AdjustSteering(delta int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steering = clamp(s.steering+delta, s.cfg.SteeringMin, s.cfg.SteeringMax)
	return s.steering
}

// AdjustDrive moves the drive level by delta. A command against the current
// direction of travel stops first: reversing while driving forward lands on
// 0, and the next reverse command goes into reverse.
func (s *State) AdjustDrive(delta int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case delta < 0 && s.drive > 0 && s.drive+delta < 0,
		delta > 0 && s.drive < 0 && s.drive+delta > 0:
		s.drive = 0
	default:
		s.drive = clamp(s.drive+delta, s.cfg.ReverseMax, s.cfg.ForwardMax)
	}
	return s.drive
}

// ToggleLight flips the light and returns the new value.
func (s *State) ToggleLight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.light = !s.light
	return s.light
}

// TriggerHorn turns the horn on and (re)starts its auto-off window.
func (s *State) TriggerHorn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.horn = true
	if s.hornTimer != nil {
		s.hornTimer.Stop()
	}
	s.hornGen++
	gen := s.hornGen
	s.hornTimer = s.clk.AfterFunc(time.Duration(s.cfg.HornMs)*time.Millisecond, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.hornGen == gen {
			s.horn = false
			s.hornTimer = nil
		}
	})
}

// Stop sets drive to 0 and cancels any drive auto-repeat.
func (s *State) Stop() {
	s.cancel(AxisDrive)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drive = 0
}

// Reset returns to the neutral tuple and cancels every pending timer.
func (s *State) Reset() {
	s.cancel(AxisSteering)
	s.cancel(AxisDrive)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hornTimer != nil {
		s.hornTimer.Stop()
		s.hornTimer = nil
	}
	s.hornGen++
	s.steering = s.cfg.Neutral()
	s.drive = 0
	s.horn = false
	s.light = false
}

// bindRepeats installs the hook Stop and Reset use to cancel auto-repeat.
func (s *State) bindRepeats(cancel func(Axis)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelRepeat = cancel
}

func (s *State) cancel(axis Axis) {
	s.mu.Lock()
	fn := s.cancelRepeat
	s.mu.Unlock()
	if fn != nil {
		fn(axis)
	}
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
