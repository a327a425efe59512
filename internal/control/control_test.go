package control

import (
	"math/rand"
	"testing"
	"time"

	"github.com/shaunagostinho/rc-remote/internal/clock"
)

const ms = time.Millisecond

func newTestState(t *testing.T) (*State, *Sampler, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Unix(0, 0))
	st := NewState(DefaultConfig(), clk)
	return st, NewSampler(st, clk), clk
}

func TestAdjustStaysInRange(t *testing.T) {
	st, _, _ := newTestState(t)
	cfg := st.Config()
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 5000; i++ {
		delta := rng.Intn(41) - 20
		if rng.Intn(2) == 0 {
			v := st.AdjustSteering(delta)
			if v < cfg.SteeringMin || v > cfg.SteeringMax {
				t.Fatalf("steering %d out of [%d,%d] after delta %d", v, cfg.SteeringMin, cfg.SteeringMax, delta)
			}
		} else {
			v := st.AdjustDrive(delta)
			if v < cfg.ReverseMax || v > cfg.ForwardMax {
				t.Fatalf("drive %d out of [%d,%d] after delta %d", v, cfg.ReverseMax, cfg.ForwardMax, delta)
			}
		}
	}
}

func TestAdjustDriveThroughStop(t *testing.T) {
	st, _, _ := newTestState(t)

	steps := []struct {
		delta int
		want  int
	}{
		{1, 1}, {1, 2}, {1, 3}, {1, 4}, {1, 4},
		{-1, 3}, {-3, 0}, {-1, -1}, {-1, -2}, {-1, -2},
		{5, 0}, {5, 4},
	}
	for i, s := range steps {
		if got := st.AdjustDrive(s.delta); got != s.want {
			t.Fatalf("step %d: AdjustDrive(%d) = %d, want %d", i, s.delta, got, s.want)
		}
	}
}

func TestHornAutoOff(t *testing.T) {
	st, _, clk := newTestState(t)

	st.TriggerHorn()
	clk.Advance(499 * ms)
	if !st.Snapshot().Horn {
		t.Fatal("horn cleared before its window")
	}
	clk.Advance(1 * ms)
	if st.Snapshot().Horn {
		t.Fatal("horn still on after its window")
	}
}

func TestHornRetriggerRestartsWindow(t *testing.T) {
	st, _, clk := newTestState(t)

	st.TriggerHorn()
	clk.Advance(300 * ms)
	st.TriggerHorn()
	clk.Advance(300 * ms)
	if !st.Snapshot().Horn {
		t.Fatal("retrigger did not restart the window")
	}
	clk.Advance(200 * ms)
	if st.Snapshot().Horn {
		t.Fatal("horn still on 500ms after the last trigger")
	}
	if clk.Pending() != 0 {
		t.Fatalf("pending timers = %d, want 0", clk.Pending())
	}
}

func TestResetIsNeutral(t *testing.T) {
	st, smp, clk := newTestState(t)
	want := Tuple{Steering: 50}

	st.AdjustSteering(-35)
	st.AdjustDrive(3)
	st.ToggleLight()
	st.TriggerHorn()
	smp.Press(IntentRight)
	smp.Press(IntentForward)

	st.Reset()
	if got := st.Snapshot(); got != want {
		t.Fatalf("Reset() = %+v, want %+v", got, want)
	}
	if smp.Phase(AxisSteering) != PhaseIdle || smp.Phase(AxisDrive) != PhaseIdle {
		t.Fatal("Reset left a repeat armed")
	}
	clk.Advance(2 * time.Second)
	if got := st.Snapshot(); got != want {
		t.Fatalf("state moved after Reset: %+v", got)
	}
}

func TestStopCancelsDriveRepeatOnly(t *testing.T) {
	st, smp, clk := newTestState(t)

	smp.Press(IntentForward)
	smp.Press(IntentLeft)
	clk.Advance(200 * ms)
	st.Stop()

	if st.Snapshot().Drive != 0 {
		t.Fatalf("drive = %d after Stop", st.Snapshot().Drive)
	}
	if smp.Phase(AxisDrive) != PhaseIdle {
		t.Fatal("drive repeat survived Stop")
	}
	if smp.Phase(AxisSteering) != PhaseRepeating {
		t.Fatal("Stop cancelled the steering repeat")
	}
}

func TestHeldLeftScenario(t *testing.T) {
	st, smp, clk := newTestState(t)

	smp.Press(IntentLeft)
	clk.Advance(199 * ms)
	if got := st.Snapshot().Steering; got != 50 {
		t.Fatalf("steering moved during hold delay: %d", got)
	}
	clk.Advance(300 * ms) // t=499: steps at 200,250,...,450
	smp.Release(IntentLeft)
	clk.Advance(time.Second)

	if got := st.Snapshot().Steering; got != 20 {
		t.Fatalf("steering = %d, want 20", got)
	}
}

func TestHeldLeftClampsAtMin(t *testing.T) {
	st, smp, clk := newTestState(t)

	smp.Press(IntentLeft)
	clk.Advance(3 * time.Second)
	smp.Release(IntentLeft)
	if got := st.Snapshot().Steering; got != 0 {
		t.Fatalf("steering = %d, want 0", got)
	}
}

func TestRepressReplacesRepeat(t *testing.T) {
	st, smp, clk := newTestState(t)

	smp.Press(IntentRight)
	clk.Advance(250 * ms) // steps at 200, 250
	smp.Press(IntentRight)
	clk.Advance(349 * ms) // new repeat: steps at 450,500,550
	smp.Release(IntentRight)

	if got := st.Snapshot().Steering; got != 50+5*5 {
		t.Fatalf("steering = %d, want %d", got, 75)
	}
}

func TestDriveRepeatCadence(t *testing.T) {
	st, smp, clk := newTestState(t)

	smp.Press(IntentForward)
	clk.Advance(499 * ms) // steps at 200, 350
	smp.Release(IntentForward)
	if got := st.Snapshot().Drive; got != 2 {
		t.Fatalf("drive = %d, want 2", got)
	}
}

func TestCancelIdempotent(t *testing.T) {
	_, smp, clk := newTestState(t)

	smp.Cancel(AxisDrive)
	smp.Release(IntentLeft)
	smp.Press(IntentLeft)
	smp.Release(IntentLeft)
	smp.Release(IntentLeft)
	smp.CancelAll()
	if clk.Pending() != 0 {
		t.Fatalf("pending timers = %d, want 0", clk.Pending())
	}
}

func TestGateDropsIntents(t *testing.T) {
	st, smp, clk := newTestState(t)
	open := false
	smp.SetGate(func() bool { return open })

	if smp.Apply(IntentLight) || smp.Press(IntentLeft) {
		t.Fatal("intent accepted while gate closed")
	}
	clk.Advance(time.Second)
	if got := st.Snapshot(); got != (Tuple{Steering: 50}) {
		t.Fatalf("state changed while gated: %+v", got)
	}

	open = true
	if !smp.Apply(IntentLight) || !st.Snapshot().Light {
		t.Fatal("intent dropped while gate open")
	}
}

func TestTupleEncoding(t *testing.T) {
	tup := Tuple{Steering: 45, Drive: -1, Horn: true}

	if got := string(Delimited{}.Encode(tup)); got != "45;-1;1;0" {
		t.Errorf("Delimited = %q", got)
	}
	if got := string(Query{}.Encode(tup)); got != "steering=45&drive=-1&horn=1&light=0" {
		t.Errorf("Query = %q", got)
	}

	for _, msg := range []string{"45;-1;1;0", "steering=45&drive=-1&horn=1&light=0"} {
		got, err := ParseTuple(msg)
		if err != nil || got != tup {
			t.Errorf("ParseTuple(%q) = %+v, %v", msg, got, err)
		}
	}
	for _, bad := range []string{"", "exit", "a;b", "steering=1"} {
		if _, err := ParseTuple(bad); err == nil {
			t.Errorf("ParseTuple(%q) succeeded", bad)
		}
	}
}
