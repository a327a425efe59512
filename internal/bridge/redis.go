// Package bridge mirrors the session status into Redis and accepts operator
// intents pushed onto a Redis list, so other processes on the board can
// watch and drive the car.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shaunagostinho/rc-remote/internal/control"
	"github.com/shaunagostinho/rc-remote/internal/remote"
)

// Controller is what intents from Redis are applied to.
type Controller interface {
	Press(in control.Intent) bool
	Release(in control.Intent)
	Apply(in control.Intent) bool
}

// Bridge is a Redis status mirror and command list listener.
//
// Keys, for prefix "rc":
//
//	rc:status  hash with the latest status fields
//	rc         channel; "status" is published after each hash update
//	rc:intent  list; LPUSH "left", "left:press", "left:release", ...
type Bridge struct {
	client *redis.Client
	prefix string
	ctl    Controller

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	last map[string]string
}

// New returns a Bridge. Nothing is contacted until Connect.
func New(addr string, db int, prefix string, ctl Controller) *Bridge {
	if prefix == "" {
		prefix = "rc"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		client: redis.NewClient(&redis.Options{
			Addr: addr,
			DB:   db,
		}),
		prefix: prefix,
		ctl:    ctl,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Connect checks that Redis is reachable.
func (b *Bridge) Connect() error {
	log.Printf("[redis] connecting to %s", b.client.Options().Addr)
	if err := b.client.Ping(b.ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// StartListening starts the intent list listener.
func (b *Bridge) StartListening() {
	b.wg.Add(1)
	go b.listCommandListener(b.prefix+":intent", b.handleIntent)
}

// Close stops the listener and closes the client.
func (b *Bridge) Close() error {
	b.cancel()
	b.wg.Wait()
	return b.client.Close()
}

func (b *Bridge) listCommandListener(key string, handler func(string) error) {
	defer b.wg.Done()
	log.Printf("[redis] listening on %s", key)

	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		// Short timeout so cancellation is noticed.
		result, err := b.client.BRPop(b.ctx, 5*time.Second, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Printf("[redis] read %s: %v", key, err)
			select {
			case <-b.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if len(result) >= 2 { // BRPOP returns [key, value]
			if err := handler(result[1]); err != nil {
				log.Printf("[redis] %s: %v", key, err)
			}
		}
	}
}

// handleIntent applies "name" (a tap), "name:press" or "name:release".
func (b *Bridge) handleIntent(value string) error {
	name, phase, _ := strings.Cut(strings.TrimSpace(value), ":")
	in, err := control.ParseIntent(name)
	if err != nil {
		return err
	}
	switch phase {
	case "", "tap":
		b.ctl.Apply(in)
	case "press":
		b.ctl.Press(in)
	case "release":
		b.ctl.Release(in)
	default:
		return fmt.Errorf("invalid intent phase: %s", phase)
	}
	return nil
}

// Mirror writes the status hash and publishes a notification when any field
// changed since the last call.
func (b *Bridge) Mirror(ctx context.Context, st remote.Status) {
	fields := statusFields(st)

	b.mu.Lock()
	changed := !sameFields(b.last, fields)
	if changed {
		b.last = fields
	}
	b.mu.Unlock()
	if !changed {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	pipe := b.client.Pipeline()
	pipe.HSet(ctx, b.prefix+":status", values)
	pipe.Publish(ctx, b.prefix, "status")
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[redis] mirror status: %v", err)
		// Retry on the next frame.
		b.mu.Lock()
		b.last = nil
		b.mu.Unlock()
	}
}

func statusFields(st remote.Status) map[string]string {
	f := map[string]string{
		"link":     st.Link.String(),
		"session":  strconv.FormatUint(st.Session, 10),
		"transmit": st.Transmit,
		"steering": strconv.Itoa(st.Control.Steering),
		"drive":    strconv.Itoa(st.Control.Drive),
		"horn":     boolStr(st.Control.Horn),
		"light":    boolStr(st.Control.Light),
		"rate":     strconv.Itoa(st.RequestRate),
	}
	if st.Telemetry.HasBattery {
		f["battery:v"] = strconv.FormatFloat(st.Telemetry.BatteryVolts, 'f', 2, 64)
		f["battery:pct"] = strconv.FormatFloat(st.Telemetry.BatteryPercent, 'f', 0, 64)
	}
	if st.Telemetry.HasMemory {
		f["memory:pct"] = strconv.FormatFloat(st.Telemetry.MemoryPercent, 'f', 0, 64)
	}
	return f
}

func sameFields(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
