package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every runtime knob for the sensor process. Values come from
// the environment (optionally seeded by a .env file) with defaults matching
// the standard Vision VM layout: Xvfb on :99 at 1280x720, stream on 5555,
// control plane on 8000.
type Config struct {
	StreamAddr  string
	ControlAddr string

	Display       string
	DisplayWidth  int
	DisplayHeight int
	DisplayDepth  int

	CaptureInterval time.Duration
	BackoffMax      time.Duration
	FailureCeiling  int

	EndEpsilon    float64
	QueueCap      int
	OverflowLimit int

	ProfileDir string
	CDPHost    string
	CDPPort    int

	LogLevel string
}

// Load reads an optional .env file, then the process environment.
// A missing .env is not an error; a malformed numeric variable is.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		StreamAddr:      getString("STREAM_ADDR", ":5555"),
		ControlAddr:     getString("CONTROL_ADDR", ":8000"),
		Display:         getString("DISPLAY", ":99"),
		ProfileDir:      getString("BROWSER_PROFILE_DIR", "/data/chrome-profile"),
		CDPHost:         getString("CDP_HOST", "localhost"),
		LogLevel:        getString("LOG_LEVEL", "info"),
		CaptureInterval: time.Second,
		BackoffMax:      30 * time.Second,
	}

	var err error
	if cfg.DisplayWidth, err = getInt("DISPLAY_WIDTH", 1280); err != nil {
		return nil, err
	}
	if cfg.DisplayHeight, err = getInt("DISPLAY_HEIGHT", 720); err != nil {
		return nil, err
	}
	if cfg.DisplayDepth, err = getInt("DISPLAY_DEPTH", 24); err != nil {
		return nil, err
	}
	if cfg.FailureCeiling, err = getInt("CAPTURE_FAILURE_CEILING", 10); err != nil {
		return nil, err
	}
	if cfg.QueueCap, err = getInt("QUEUE_CAP", 8); err != nil {
		return nil, err
	}
	if cfg.OverflowLimit, err = getInt("OVERFLOW_LIMIT", 64); err != nil {
		return nil, err
	}
	if cfg.CDPPort, err = getInt("CDP_PORT", 9223); err != nil {
		return nil, err
	}

	intervalMS, err := getInt("CAPTURE_INTERVAL_MS", 1000)
	if err != nil {
		return nil, err
	}
	cfg.CaptureInterval = time.Duration(intervalMS) * time.Millisecond

	backoffMS, err := getInt("CAPTURE_BACKOFF_MAX_MS", 30000)
	if err != nil {
		return nil, err
	}
	cfg.BackoffMax = time.Duration(backoffMS) * time.Millisecond

	if cfg.EndEpsilon, err = getFloat("END_EPSILON", 1.0); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DisplayWidth <= 0 || c.DisplayHeight <= 0 {
		return fmt.Errorf("config: display geometry %dx%d is invalid", c.DisplayWidth, c.DisplayHeight)
	}
	if c.CaptureInterval <= 0 {
		return fmt.Errorf("config: capture interval must be positive")
	}
	if c.QueueCap < 1 {
		return fmt.Errorf("config: QUEUE_CAP must be at least 1")
	}
	if c.OverflowLimit < 1 {
		return fmt.Errorf("config: OVERFLOW_LIMIT must be at least 1")
	}
	if c.EndEpsilon < 0 {
		return fmt.Errorf("config: END_EPSILON must not be negative")
	}
	return nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not an integer", key, v)
	}
	return n, nil
}

func getFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not a number", key, v)
	}
	return f, nil
}
