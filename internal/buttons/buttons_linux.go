//go:build linux

package buttons

import (
	"fmt"
	"log"
	"time"

	"github.com/warthog618/go-gpiocdev"

	"github.com/shaunagostinho/rc-remote/internal/control"
)

const debounce = 10 * time.Millisecond

// Connect requests every configured line as a pulled-up, active-low input
// with edge events on both press and release.
func (b *Buttons) Connect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.reqs) > 0 {
		return nil
	}

	for in, offset := range b.lines {
		in := in
		l, err := gpiocdev.RequestLine(b.chip, offset,
			gpiocdev.AsInput,
			gpiocdev.WithPullUp,
			gpiocdev.AsActiveLow,
			gpiocdev.WithBothEdges,
			gpiocdev.WithDebounce(debounce),
			gpiocdev.WithConsumer("rc-remote"),
			gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
				b.onEvent(in, evt)
			}))
		if err != nil {
			b.closeLocked()
			return fmt.Errorf("request %s line %s:%d: %w", in, b.chip, offset, err)
		}
		b.reqs = append(b.reqs, l)
	}
	log.Printf("[gpio] %d buttons on %s", len(b.reqs), b.chip)
	return nil
}

// Active-low: a press is reported as a rising edge.
func (b *Buttons) onEvent(in control.Intent, evt gpiocdev.LineEvent) {
	b.handle(in, evt.Type == gpiocdev.LineEventRisingEdge)
}
