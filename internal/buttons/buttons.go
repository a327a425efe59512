// Package buttons maps physical push buttons on GPIO lines to intents.
// Buttons are wired to ground with the internal pull-up enabled, so a press
// pulls the line low.
package buttons

import (
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/shaunagostinho/rc-remote/internal/control"
)

// Controller receives button presses and releases.
type Controller interface {
	Apply(in control.Intent) bool
	Press(in control.Intent) bool
	Release(in control.Intent)
}

// Buttons owns the requested GPIO lines.
type Buttons struct {
	chip  string
	lines map[control.Intent]int
	ctl   Controller

	mu   sync.Mutex
	reqs []io.Closer
}

// New validates the intent to line-offset mapping. Lines are requested by
// Connect.
func New(chip string, lines map[string]int, ctl Controller) (*Buttons, error) {
	m := make(map[control.Intent]int, len(lines))
	for name, offset := range lines {
		in, err := control.ParseIntent(name)
		if err != nil {
			return nil, fmt.Errorf("buttons: %w", err)
		}
		if offset < 0 {
			return nil, fmt.Errorf("buttons: %s: bad line offset %d", name, offset)
		}
		m[in] = offset
	}
	return &Buttons{chip: chip, lines: m, ctl: ctl}, nil
}

// Close releases every line.
func (b *Buttons) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
	return nil
}

func (b *Buttons) closeLocked() {
	for _, r := range b.reqs {
		if err := r.Close(); err != nil {
			log.Printf("[gpio] close line: %v", err)
		}
	}
	b.reqs = nil
}

// handle forwards one debounced edge. A direction press steps once right
// away and repeats while held, like the panel's tap plus hold.
func (b *Buttons) handle(in control.Intent, pressed bool) {
	if pressed {
		if _, ok := in.Axis(); ok {
			b.ctl.Apply(in)
		}
		b.ctl.Press(in)
		return
	}
	b.ctl.Release(in)
}
