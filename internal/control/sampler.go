package control

import (
	"fmt"
	"sync"
	"time"

	"github.com/shaunagostinho/rc-remote/internal/clock"
)

// Axis identifies an auto-repeat channel. At most one repeat runs per axis.
type Axis int

const (
	AxisSteering Axis = iota
	AxisDrive
	numAxes
)

func (a Axis) String() string {
	switch a {
	case AxisSteering:
		return "steering"
	case AxisDrive:
		return "drive"
	default:
		return fmt.Sprintf("axis(%d)", int(a))
	}
}

// Intent is a discrete user action coming from any input surface.
type Intent string

const (
	IntentLeft    Intent = "left"
	IntentRight   Intent = "right"
	IntentForward Intent = "forward"
	IntentReverse Intent = "reverse"
	IntentStop    Intent = "stop"
	IntentHorn    Intent = "horn"
	IntentLight   Intent = "light"
)

// ParseIntent validates an intent name.
func ParseIntent(name string) (Intent, error) {
	switch in := Intent(name); in {
	case IntentLeft, IntentRight, IntentForward, IntentReverse, IntentStop, IntentHorn, IntentLight:
		return in, nil
	}
	return "", fmt.Errorf("control: unknown intent %q", name)
}

// Axis reports which repeat axis a held intent drives. Intents without an
// axis (stop, horn, light) cannot auto-repeat.
func (in Intent) Axis() (Axis, bool) {
	switch in {
	case IntentLeft, IntentRight:
		return AxisSteering, true
	case IntentForward, IntentReverse:
		return AxisDrive, true
	}
	return 0, false
}

// Phase is the state of one axis repeater.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseArmed
	PhaseRepeating
)

func (p Phase) String() string {
	switch p {
	case PhaseArmed:
		return "armed"
	case PhaseRepeating:
		return "repeating"
	}
	return "idle"
}

type repeater struct {
	phase Phase
	timer clock.Timer
	gen   uint64
}

// Sampler turns intents into State mutations and runs held-button
// auto-repeat: a press arms a one-shot hold delay, and if the button is still
// held when it fires the step repeats every period until release.
type Sampler struct {
	state *State
	clk   clock.Clock

	holdDelay   time.Duration
	steerRepeat time.Duration
	driveRepeat time.Duration

	// gate, when set, must report true for intents to be accepted.
	gate func() bool

	mu      sync.Mutex
	repeats [numAxes]repeater
}

// NewSampler binds a Sampler to state. The state's Stop and Reset will
// cancel this sampler's repeats.
func NewSampler(state *State, clk clock.Clock) *Sampler {
	cfg := state.Config()
	s := &Sampler{
		state:       state,
		clk:         clk,
		holdDelay:   time.Duration(cfg.HoldDelayMs) * time.Millisecond,
		steerRepeat: time.Duration(cfg.SteerRepeatMs) * time.Millisecond,
		driveRepeat: time.Duration(cfg.DriveRepeatMs) * time.Millisecond,
	}
	state.bindRepeats(s.Cancel)
	return s
}

// SetGate installs a predicate consulted before accepting any intent.
func (s *Sampler) SetGate(gate func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = gate
}

func (s *Sampler) accepting() bool {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	return gate == nil || gate()
}

// Apply performs a single immediate step for in.
func (s *Sampler) Apply(in Intent) bool {
	if !s.accepting() {
		return false
	}
	s.step(in)
	return true
}

// Press starts auto-repeat for a held directional intent, replacing any
// repeat already running on the same axis. Non-directional intents are
// applied once.
func (s *Sampler) Press(in Intent) bool {
	axis, ok := in.Axis()
	if !ok {
		return s.Apply(in)
	}
	if !s.accepting() {
		return false
	}

	period := s.steerRepeat
	if axis == AxisDrive {
		period = s.driveRepeat
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r := &s.repeats[axis]
	s.disarm(r)
	gen := r.gen
	r.phase = PhaseArmed
	r.timer = s.clk.AfterFunc(s.holdDelay, func() { s.fire(axis, gen, in, period) })
	return true
}

// Release ends the hold on the intent's axis.
func (s *Sampler) Release(in Intent) {
	if axis, ok := in.Axis(); ok {
		s.Cancel(axis)
	}
}

// Cancel stops the repeat on axis. Cancelling an idle axis is a no-op.
func (s *Sampler) Cancel(axis Axis) {
	if axis < 0 || axis >= numAxes {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarm(&s.repeats[axis])
}

// CancelAll stops every repeat.
func (s *Sampler) CancelAll() {
	for a := Axis(0); a < numAxes; a++ {
		s.Cancel(a)
	}
}

// Phase reports the repeater state for axis.
func (s *Sampler) Phase(axis Axis) Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repeats[axis].phase
}

// disarm must be called with s.mu held.
func (s *Sampler) disarm(r *repeater) {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.gen++
	r.phase = PhaseIdle
}

func (s *Sampler) fire(axis Axis, gen uint64, in Intent, period time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &s.repeats[axis]
	if r.gen != gen {
		return
	}
	r.phase = PhaseRepeating
	r.timer = s.clk.AfterFunc(period, func() { s.fire(axis, gen, in, period) })
	s.step(in)
}

// step must not call back into the sampler for directional intents: fire
// invokes it with s.mu held.
func (s *Sampler) step(in Intent) {
	step := s.state.Config().SteeringStep
	switch in {
	case IntentLeft:
		s.state.AdjustSteering(-step)
	case IntentRight:
		s.state.AdjustSteering(step)
	case IntentForward:
		s.state.AdjustDrive(1)
	case IntentReverse:
		s.state.AdjustDrive(-1)
	case IntentStop:
		s.state.Stop()
	case IntentHorn:
		s.state.TriggerHorn()
	case IntentLight:
		s.state.ToggleLight()
	}
}
