package logger

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shaunagostinho/rc-remote/internal/control"
	"github.com/shaunagostinho/rc-remote/internal/telemetry"
)

// Logger records the transmitted control tuple and the car's telemetry to
// CSV files with automatic rotation.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	maxRows  int
	enabled  bool

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int
	files  int
}

// Config holds logger configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
	MaxRows    int    `yaml:"max_rows" json:"maxRows"`
}

// Row is one sample.
type Row struct {
	Control   control.Tuple
	Telemetry telemetry.Snapshot
	Link      string
	Transmit  string
}

const defaultMaxRows = 100_000 // ~2.7 hrs at 10 Hz

var csvHeader = []string{
	"timestamp", "link", "transmit",
	"steering", "drive", "horn", "light",
	"battery_v", "battery_pct", "memory_pct",
}

// New creates a new Logger.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/rc-remote"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 50*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	return &Logger{
		dir:      cfg.Path,
		interval: interval,
		maxRows:  cfg.MaxRows,
		enabled:  cfg.Enabled,
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Record writes a row stamped at now if the minimum interval has elapsed.
func (l *Logger) Record(now time.Time, r Row) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}
	if !l.lastTs.IsZero() && now.Sub(l.lastTs) < l.interval {
		return
	}
	l.lastTs = now

	if l.writer == nil || l.rows >= l.maxRows {
		if err := l.rotateFile(now); err != nil {
			log.Printf("[recorder] rotate failed: %v", err)
			return
		}
	}

	if err := l.writer.Write(buildRow(now, r)); err != nil {
		log.Printf("[recorder] write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	l.files++
	filename := fmt.Sprintf("session_%s_%03d.csv", now.Format("2006-01-02_150405"), l.files)
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[recorder] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func buildRow(ts time.Time, r Row) []string {
	row := make([]string, len(csvHeader))
	row[0] = ts.Format(time.RFC3339Nano)
	row[1] = r.Link
	row[2] = r.Transmit
	row[3] = strconv.Itoa(r.Control.Steering)
	row[4] = strconv.Itoa(r.Control.Drive)
	row[5] = boolStr(r.Control.Horn)
	row[6] = boolStr(r.Control.Light)

	// Telemetry columns stay blank until the car has reported them.
	if t := r.Telemetry; t.HasBattery {
		row[7] = fmt.Sprintf("%.2f", t.BatteryVolts)
		row[8] = fmt.Sprintf("%.0f", t.BatteryPercent)
	}
	if t := r.Telemetry; t.HasMemory {
		row[9] = fmt.Sprintf("%.0f", t.MemoryPercent)
	}
	return row
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
