package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Reading is one decoded telemetry message. Fields that were missing or not
// a well-formed number are left unset.
type Reading struct {
	BatteryVolts float64
	HasBattery   bool
	MemoryUsed   float64
	HasMemory    bool
}

// Decoder turns a raw inbound message into a Reading. Decoders never fail
// the whole message because of one bad field.
type Decoder interface {
	Decode(msg []byte) Reading
}

// Delimited decodes "battery" or "battery;memoryUsed".
type Delimited struct{}

func (Delimited) Decode(msg []byte) Reading {
	var r Reading
	battery, mem, hasMem := strings.Cut(strings.TrimSpace(string(msg)), ";")
	r.BatteryVolts, r.HasBattery = parseNumber(battery)
	if hasMem {
		r.MemoryUsed, r.HasMemory = parseNumber(mem)
	}
	return r
}

// JSON decodes {"battery": ..., "memory": ...}. The firmware quotes the
// battery value, so both numbers and numeric strings are accepted.
type JSON struct{}

func (JSON) Decode(msg []byte) Reading {
	var r Reading
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(msg, &fields); err != nil {
		return r
	}
	r.BatteryVolts, r.HasBattery = rawNumber(fields["battery"])
	r.MemoryUsed, r.HasMemory = rawNumber(fields["memory"])
	return r
}

// DecoderFor returns the decoder named by format ("delimited" or "json").
func DecoderFor(format string) (Decoder, error) {
	switch format {
	case "", "delimited":
		return Delimited{}, nil
	case "json":
		return JSON{}, nil
	default:
		return nil, fmt.Errorf("telemetry: unknown format %q", format)
	}
}

func rawNumber(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false
	}
	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
	} else {
		s = string(raw)
	}
	return parseNumber(s)
}

func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Calibration maps raw readings onto display percentages.
type Calibration struct {
	MinVolts    float64 `yaml:"battery_min_v" json:"batteryMinV"`
	MaxVolts    float64 `yaml:"battery_max_v" json:"batteryMaxV"`
	MemoryTotal float64 `yaml:"memory_total" json:"memoryTotal"` // bytes
}

// DefaultCalibration is a single Li-ion cell and the Pico W heap size.
func DefaultCalibration() Calibration {
	return Calibration{MinVolts: 3.8, MaxVolts: 4.8, MemoryTotal: 532480}
}

// BatteryPercent rescales volts from [MinVolts, MaxVolts] to 0-100.
func (c Calibration) BatteryPercent(volts float64) float64 {
	if c.MaxVolts <= c.MinVolts {
		return 0
	}
	volts = math.Round(volts*100) / 100
	return clampPercent((volts - c.MinVolts) / (c.MaxVolts - c.MinVolts) * 100)
}

// MemoryPercent returns used as a share of MemoryTotal.
func (c Calibration) MemoryPercent(used float64) float64 {
	if c.MemoryTotal <= 0 {
		return 0
	}
	return clampPercent(used / c.MemoryTotal * 100)
}

func clampPercent(p float64) float64 {
	return math.Round(math.Max(0, math.Min(100, p)))
}

// Snapshot is the latest telemetry as shown to the operator.
type Snapshot struct {
	BatteryVolts   float64   `json:"batteryVolts"`
	BatteryPercent float64   `json:"batteryPercent"`
	MemoryPercent  float64   `json:"memoryPercent"`
	HasBattery     bool      `json:"hasBattery"`
	HasMemory      bool      `json:"hasMemory"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Store keeps the latest values. Each field is replaced only when a message
// carries a well-formed value for it.
type Store struct {
	mu      sync.Mutex
	dec     Decoder
	cal     Calibration
	current Snapshot
}

// NewStore returns an empty Store.
func NewStore(dec Decoder, cal Calibration) *Store {
	return &Store{dec: dec, cal: cal}
}

// Ingest decodes msg and merges it. Returns the decoded reading.
func (s *Store) Ingest(msg []byte, at time.Time) Reading {
	r := s.dec.Decode(msg)

	s.mu.Lock()
	defer s.mu.Unlock()
	if r.HasBattery {
		s.current.BatteryVolts = r.BatteryVolts
		s.current.BatteryPercent = s.cal.BatteryPercent(r.BatteryVolts)
		s.current.HasBattery = true
	}
	if r.HasMemory {
		s.current.MemoryPercent = s.cal.MemoryPercent(r.MemoryUsed)
		s.current.HasMemory = true
	}
	if r.HasBattery || r.HasMemory {
		s.current.UpdatedAt = at
	}
	return r
}

// Snapshot returns the latest values.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}
