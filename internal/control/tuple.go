package control

import (
	"fmt"
	"strconv"
	"strings"
)

// Tuple is the control state transmitted on every tick.
type Tuple struct {
	Steering int  `json:"steering"`
	Drive    int  `json:"drive"`
	Horn     bool `json:"horn"`
	Light    bool `json:"light"`
}

// Encoder serializes a Tuple into one outbound control message.
type Encoder interface {
	Encode(t Tuple) []byte
}

// Delimited encodes as "steering;drive;horn;light".
type Delimited struct{}

func (Delimited) Encode(t Tuple) []byte {
	return []byte(fmt.Sprintf("%d;%d;%s;%s", t.Steering, t.Drive, flag(t.Horn), flag(t.Light)))
}

// Query encodes as "steering=..&drive=..&horn=..&light=..".
type Query struct{}

func (Query) Encode(t Tuple) []byte {
	return []byte(fmt.Sprintf("steering=%d&drive=%d&horn=%s&light=%s",
		t.Steering, t.Drive, flag(t.Horn), flag(t.Light)))
}

// EncoderFor returns the encoder named by format ("delimited" or "query").
func EncoderFor(format string) (Encoder, error) {
	switch format {
	case "", "delimited":
		return Delimited{}, nil
	case "query":
		return Query{}, nil
	default:
		return nil, fmt.Errorf("control: unknown encoding %q", format)
	}
}

// ParseTuple decodes either wire form. Missing horn/light fields default to
// off, matching the oldest firmware which only sent steering and drive.
func ParseTuple(msg string) (Tuple, error) {
	msg = strings.TrimSpace(msg)
	if strings.Contains(msg, "=") {
		return parseQuery(msg)
	}
	parts := strings.Split(msg, ";")
	if len(parts) < 2 {
		return Tuple{}, fmt.Errorf("control: malformed tuple %q", msg)
	}
	var t Tuple
	var err error
	if t.Steering, err = strconv.Atoi(parts[0]); err != nil {
		return Tuple{}, fmt.Errorf("control: steering: %w", err)
	}
	if t.Drive, err = strconv.Atoi(parts[1]); err != nil {
		return Tuple{}, fmt.Errorf("control: drive: %w", err)
	}
	if len(parts) > 2 {
		t.Horn = parts[2] == "1"
	}
	if len(parts) > 3 {
		t.Light = parts[3] == "1"
	}
	return t, nil
}

func parseQuery(msg string) (Tuple, error) {
	var t Tuple
	seen := 0
	for _, kv := range strings.Split(msg, "&") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch k {
		case "steering", "drive":
			n, err := strconv.Atoi(v)
			if err != nil {
				return Tuple{}, fmt.Errorf("control: %s: %w", k, err)
			}
			if k == "steering" {
				t.Steering = n
			} else {
				t.Drive = n
			}
			seen++
		case "horn":
			t.Horn = v == "1"
		case "light":
			t.Light = v == "1"
		}
	}
	if seen < 2 {
		return Tuple{}, fmt.Errorf("control: malformed tuple %q", msg)
	}
	return t, nil
}

func flag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
