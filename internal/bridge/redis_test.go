package bridge

import (
	"testing"

	"github.com/shaunagostinho/rc-remote/internal/control"
	"github.com/shaunagostinho/rc-remote/internal/link"
	"github.com/shaunagostinho/rc-remote/internal/remote"
	"github.com/shaunagostinho/rc-remote/internal/telemetry"
)

type call struct {
	op string
	in control.Intent
}

type fakeController struct{ calls []call }

func (c *fakeController) Press(in control.Intent) bool {
	c.calls = append(c.calls, call{"press", in})
	return true
}

func (c *fakeController) Release(in control.Intent) {
	c.calls = append(c.calls, call{"release", in})
}

func (c *fakeController) Apply(in control.Intent) bool {
	c.calls = append(c.calls, call{"apply", in})
	return true
}

func TestHandleIntent(t *testing.T) {
	ctl := &fakeController{}
	b := New("127.0.0.1:0", 0, "", ctl)
	defer b.Close()

	for _, v := range []string{"left", "forward:press", "forward:release", " horn "} {
		if err := b.handleIntent(v); err != nil {
			t.Fatalf("handleIntent(%q) = %v", v, err)
		}
	}
	want := []call{
		{"apply", control.IntentLeft},
		{"press", control.IntentForward},
		{"release", control.IntentForward},
		{"apply", control.IntentHorn},
	}
	if len(ctl.calls) != len(want) {
		t.Fatalf("calls = %v", ctl.calls)
	}
	for i := range want {
		if ctl.calls[i] != want[i] {
			t.Errorf("call %d = %v, want %v", i, ctl.calls[i], want[i])
		}
	}

	for _, v := range []string{"jump", "left:hold"} {
		if err := b.handleIntent(v); err == nil {
			t.Errorf("handleIntent(%q) accepted", v)
		}
	}
}

func TestStatusFields(t *testing.T) {
	st := remote.Status{
		Control:  control.Tuple{Steering: 45, Drive: -1, Light: true},
		Link:     link.StatusOpen,
		Session:  3,
		Transmit: "OK",
		Telemetry: telemetry.Snapshot{
			BatteryVolts: 4.3, BatteryPercent: 50, HasBattery: true,
		},
	}
	f := statusFields(st)
	want := map[string]string{
		"link": "open", "session": "3", "transmit": "OK",
		"steering": "45", "drive": "-1", "horn": "0", "light": "1",
		"battery:v": "4.30", "battery:pct": "50",
	}
	for k, v := range want {
		if f[k] != v {
			t.Errorf("%s = %q, want %q", k, f[k], v)
		}
	}
	if _, ok := f["memory:pct"]; ok {
		t.Error("memory reported before the car sent it")
	}
	if !sameFields(f, statusFields(st)) {
		t.Error("identical status reported as changed")
	}
	st.Control.Horn = true
	if sameFields(f, statusFields(st)) {
		t.Error("horn change not detected")
	}
}
