package logger

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/shaunagostinho/rc-remote/internal/control"
	"github.com/shaunagostinho/rc-remote/internal/telemetry"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

func csvFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "session_*.csv"))
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(matches)
	return matches
}

func TestRecordRow(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir})
	defer l.Close()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l.Record(now, Row{
		Control:   control.Tuple{Steering: 35, Drive: -1, Light: true},
		Telemetry: telemetry.Snapshot{BatteryVolts: 4.3, BatteryPercent: 50, HasBattery: true},
		Link:      "open",
		Transmit:  "OK",
	})

	files := csvFiles(t, dir)
	if len(files) != 1 {
		t.Fatalf("files = %v", files)
	}
	rows := readCSV(t, files[0])
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want header + 1", len(rows))
	}
	want := []string{now.Format(time.RFC3339Nano), "open", "OK", "35", "-1", "0", "1", "4.30", "50", ""}
	for i, v := range want {
		if rows[1][i] != v {
			t.Errorf("column %s = %q, want %q", csvHeader[i], rows[1][i], v)
		}
	}
}

func TestRecordInterval(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir, IntervalMs: 100})
	defer l.Close()

	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		l.Record(start.Add(time.Duration(i)*25*time.Millisecond), Row{})
	}
	rows := readCSV(t, csvFiles(t, dir)[0])
	// Samples at 0, 100 and 200ms.
	if len(rows) != 4 {
		t.Fatalf("rows = %d, want header + 3", len(rows))
	}
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir, MaxRows: 2})
	defer l.Close()

	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		l.Record(start.Add(time.Duration(i)*time.Second), Row{})
	}
	if files := csvFiles(t, dir); len(files) != 3 {
		t.Fatalf("files = %v, want 3", files)
	}
}

func TestDisabled(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Path: dir})
	l.Record(time.Now(), Row{})
	if files := csvFiles(t, dir); len(files) != 0 {
		t.Fatalf("disabled logger wrote %v", files)
	}
	l.SetEnabled(true)
	if !l.IsEnabled() {
		t.Fatal("SetEnabled(true) did not enable")
	}
	l.Record(time.Now(), Row{})
	l.SetEnabled(false)
	if files := csvFiles(t, dir); len(files) != 1 {
		t.Fatalf("files = %v", files)
	}
}
