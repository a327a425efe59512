package link

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"go.bug.st/serial"
)

// SerialDialer drives the car over its USB-serial console when it is
// tethered instead of on Wi-Fi. Messages are newline framed in both
// directions; the payloads are the same as on the socket.
type SerialDialer struct {
	PortPath string
	BaudRate int
}

func (d SerialDialer) Dial(ctx context.Context, h Handler) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	baud := d.BaudRate
	if baud == 0 {
		baud = 115200
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(d.PortPath, mode)
	if err != nil {
		return nil, fmt.Errorf("serial: failed to open %s: %w", d.PortPath, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		log.Printf("[link] serial: flush %s: %v", d.PortPath, err)
	}
	log.Printf("[link] serial: opened %s at %d baud", d.PortPath, baud)

	c := &serialConn{port: port}
	go c.readLoop(h)
	return c, nil
}

type serialConn struct {
	port      serial.Port
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Send writes one framed line. The serial port has no write deadline, so
// ctx is only checked before the write.
func (c *serialConn) Send(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	frame := make([]byte, 0, len(msg)+1)
	frame = append(frame, msg...)
	frame = append(frame, '\n')
	if _, err := c.port.Write(frame); err != nil {
		return fmt.Errorf("serial: write: %w", err)
	}
	return nil
}

func (c *serialConn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.port.Close() })
	return c.closeErr
}

func (c *serialConn) readLoop(h Handler) {
	r := bufio.NewReader(c.port)
	for {
		line, err := r.ReadString('\n')
		if line = strings.TrimSpace(line); line != "" {
			h.HandleMessage([]byte(line))
		}
		if err != nil {
			h.HandleClose(fmt.Errorf("serial: read: %w", err))
			return
		}
	}
}
