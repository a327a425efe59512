package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/rc-remote/internal/control"
	"github.com/shaunagostinho/rc-remote/internal/link"
	"github.com/shaunagostinho/rc-remote/internal/logger"
	"github.com/shaunagostinho/rc-remote/internal/maintenance"
	"github.com/shaunagostinho/rc-remote/internal/remote"
	"github.com/shaunagostinho/rc-remote/internal/telemetry"
)

// Config holds all remote configuration.
type Config struct {
	mu sync.RWMutex

	// Link to the car
	Link LinkConfig `yaml:"link" json:"link"`

	// Send cadence and fail-safe
	Transmit remote.TransmitConfig `yaml:"transmit" json:"transmit"`

	// Control ranges and input timing
	Control control.Config `yaml:"control" json:"control"`

	// Telemetry calibration
	Telemetry telemetry.Calibration `yaml:"telemetry" json:"telemetry"`

	// Firmware update and log download
	Maintenance maintenance.Config `yaml:"maintenance" json:"maintenance"`

	// Session recorder
	Logging logger.Config `yaml:"logging" json:"logging"`

	// Redis status mirror / command list
	Redis RedisConfig `yaml:"redis" json:"redis"`

	// Physical buttons
	Buttons ButtonsConfig `yaml:"buttons" json:"buttons"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type LinkConfig struct {
	Transport string `yaml:"transport" json:"transport"` // "websocket", "polling" or "serial"
	URL       string `yaml:"url" json:"url"`             // ws://192.168.4.1/ws or http://192.168.4.1/control
	PortPath  string `yaml:"port_path" json:"portPath"`  // serial only
	BaudRate  int    `yaml:"baud_rate" json:"baudRate"`
	Encoding  string `yaml:"encoding" json:"encoding"`   // "delimited" or "query"
	Telemetry string `yaml:"telemetry" json:"telemetry"` // "delimited" or "json"
	// GateIntents drops operator input while the link is down.
	GateIntents   bool `yaml:"gate_intents" json:"gateIntents"`
	BackoffMs     int  `yaml:"backoff_ms" json:"backoffMs"`
	DialTimeoutMs int  `yaml:"dial_timeout_ms" json:"dialTimeoutMs"`
	ExitTimeoutMs int  `yaml:"exit_timeout_ms" json:"exitTimeoutMs"`
}

// Session returns the link manager timing.
func (l LinkConfig) Session() link.Config {
	return link.Config{BackoffMs: l.BackoffMs, DialTimeoutMs: l.DialTimeoutMs, ExitTimeoutMs: l.ExitTimeoutMs}
}

type RedisConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
	DB      int    `yaml:"db" json:"db"`
	Prefix  string `yaml:"prefix" json:"prefix"` // key namespace, e.g. "rc"
}

type ButtonsConfig struct {
	Enabled bool           `yaml:"enabled" json:"enabled"`
	Chip    string         `yaml:"chip" json:"chip"` // e.g. gpiochip0
	Lines   map[string]int `yaml:"lines" json:"lines"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
	FrameMs    int    `yaml:"frame_ms" json:"frameMs"` // panel broadcast period
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Link: LinkConfig{
			Transport:   "websocket",
			URL:         "ws://192.168.4.1/ws",
			PortPath:    "/dev/ttyUSB0",
			BaudRate:    115200,
			Encoding:    "delimited",
			Telemetry:   "delimited",
			GateIntents: true,
			BackoffMs:   1000,
		},
		Transmit:    remote.DefaultTransmitConfig(),
		Control:     control.DefaultConfig(),
		Telemetry:   telemetry.DefaultCalibration(),
		Maintenance: maintenance.Config{BaseURL: "http://192.168.4.1", UpdateSettleMs: 2000, LogSettleMs: 1000, ReloadDelayMs: 5000},
		Logging: logger.Config{
			Enabled:    false,
			Path:       "/var/log/rc-remote",
			IntervalMs: 100,
		},
		Redis: RedisConfig{
			Addr:   "127.0.0.1:6379",
			Prefix: "rc",
		},
		Buttons: ButtonsConfig{
			Chip: "gpiochip0",
			Lines: map[string]int{
				"left": 5, "right": 6, "forward": 13, "reverse": 19,
				"stop": 26, "horn": 20, "light": 21,
			},
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
			FrameMs:    100,
		},
	}
}

// UsePolling switches to the request/response transport with its cadence:
// 25 ms ticks, adaptive delay, 300 ms request budget and the narrower
// drive range of that firmware.
func (c *Config) UsePolling(url string) {
	c.Link.Transport = "polling"
	c.Link.URL = url
	c.Link.Encoding = "query"
	c.Link.Telemetry = "json"
	c.Link.GateIntents = false
	c.Transmit.TickMs = 25
	c.Transmit.TimeoutMs = 300
	c.Transmit.Adaptive = true
	c.Control.ReverseMax = -1
	c.Control.ForwardMax = 3
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found. When the
// file or LINK_TRANSPORT selects the polling link, its preset replaces the
// WebSocket defaults before file and env values are applied.
func LoadConfig(path string) *Config {
	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	data, readErr := os.ReadFile(path)
	transport := peekTransport(data)
	if v := os.Getenv("LINK_TRANSPORT"); v != "" {
		transport = v
	}

	cfg := defaultsFor(transport, path)
	if readErr != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = defaultsFor(transport, path)
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	cfg.applyEnvOverrides()
	return cfg
}

const defaultPollURL = "http://192.168.4.1/control"

func defaultsFor(transport, path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path
	if transport == "polling" {
		cfg.UsePolling(defaultPollURL)
	}
	return cfg
}

// peekTransport returns link.transport from raw YAML, or "" if unset or
// unparseable.
func peekTransport(data []byte) string {
	var peek struct {
		Link struct {
			Transport string `yaml:"transport"`
		} `yaml:"link"`
	}
	if err := yaml.Unmarshal(data, &peek); err != nil {
		return ""
	}
	return peek.Link.Transport
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "1" || v == "true" || v == "yes"
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: LINK_TRANSPORT, LINK_URL, LINK_PORT, LINK_BAUD, LINK_ENCODING,
// TELEMETRY_FORMAT, TICK_MS, STALE_MS, CAR_URL, LISTEN_ADDR, LOG_ENABLED,
// LOG_PATH, LOG_INTERVAL_MS, REDIS_ENABLED, REDIS_ADDR, BUTTONS_ENABLED,
// GPIO_CHIP
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LINK_TRANSPORT"); v != "" {
		c.Link.Transport = v
	}
	if v := os.Getenv("LINK_URL"); v != "" {
		c.Link.URL = v
	}
	if v := os.Getenv("LINK_PORT"); v != "" {
		c.Link.PortPath = v
	}
	envInt("LINK_BAUD", &c.Link.BaudRate)
	if v := os.Getenv("LINK_ENCODING"); v != "" {
		c.Link.Encoding = v
	}
	if v := os.Getenv("TELEMETRY_FORMAT"); v != "" {
		c.Link.Telemetry = v
	}
	envInt("TICK_MS", &c.Transmit.TickMs)
	envInt("STALE_MS", &c.Transmit.StaleMs)
	if v := os.Getenv("CAR_URL"); v != "" {
		c.Maintenance.BaseURL = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	// Logging
	envBool("LOG_ENABLED", &c.Logging.Enabled)
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
	envInt("LOG_INTERVAL_MS", &c.Logging.IntervalMs)
	// Redis
	envBool("REDIS_ENABLED", &c.Redis.Enabled)
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	// GPIO
	envBool("BUTTONS_ENABLED", &c.Buttons.Enabled)
	if v := os.Getenv("GPIO_CHIP"); v != "" {
		c.Buttons.Chip = v
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/rc-remote/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]any
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]any
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]any) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
