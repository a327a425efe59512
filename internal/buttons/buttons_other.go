//go:build !linux

package buttons

import "errors"

// Connect fails: GPIO character devices exist only on Linux.
func (b *Buttons) Connect() error {
	return errors.New("buttons: GPIO is only supported on linux")
}
