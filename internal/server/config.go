package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all tracker configuration.
type Config struct {
	Collector  CollectorConfig  `yaml:"collector" json:"collector"`
	GPS        GPSConfig        `yaml:"gps" json:"gps"`
	Permission PermissionConfig `yaml:"permission" json:"permission"`
	Journal    JournalConfig    `yaml:"journal" json:"journal"`
	Server     ServerConfig     `yaml:"server" json:"server"`
}

type CollectorConfig struct {
	URL              string `yaml:"url" json:"url" validate:"required,url"`
	ConnectTimeoutMs int    `yaml:"connect_timeout_ms" json:"connectTimeoutMs" validate:"gt=0"`
	ReadTimeoutMs    int    `yaml:"read_timeout_ms" json:"readTimeoutMs" validate:"gt=0"`
	QueueLimit       int    `yaml:"queue_limit" json:"queueLimit" validate:"gte=0"` // 0 = unbounded
}

type GPSConfig struct {
	Type         string `yaml:"type" json:"type" validate:"oneof=demo nmea"`
	PortPath     string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyGPS
	BaudRate     int    `yaml:"baud_rate" json:"baudRate" validate:"gte=0"`
	IntervalSec  int    `yaml:"interval_sec" json:"intervalSec" validate:"gt=0"`
	SampleMs     int    `yaml:"sample_ms" json:"sampleMs" validate:"gte=0"`
	HighAccuracy bool   `yaml:"high_accuracy" json:"highAccuracy"`
}

type PermissionConfig struct {
	// Granted pre-grants location access, e.g. for a headless device.
	Granted bool `yaml:"granted" json:"granted"`
}

type JournalConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr" validate:"required"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Collector: CollectorConfig{
			URL:              "http://192.168.188.18:8080/android",
			ConnectTimeoutMs: 5000,
			ReadTimeoutMs:    5000,
			QueueLimit:       0,
		},
		GPS: GPSConfig{
			Type:         "demo",
			PortPath:     "/dev/ttyGPS",
			BaudRate:     9600,
			IntervalSec:  30,
			SampleMs:     1000,
			HighAccuracy: true,
		},
		Permission: PermissionConfig{
			Granted: false,
		},
		Journal: JournalConfig{
			Enabled: false,
			Path:    "/var/log/coursetracker",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found or invalid.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		log.Printf("[config] invalid configuration: %v, using defaults", err)
		cfg = DefaultConfig()
	}
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
// Variables already present in the real environment win.
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
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: COLLECTOR_URL, COLLECTOR_QUEUE_LIMIT, GPS_TYPE, GPS_PORT,
// GPS_BAUD, GPS_INTERVAL_SEC, LOCATION_GRANTED, JOURNAL_ENABLED,
// JOURNAL_PATH, LISTEN_ADDR
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("COLLECTOR_URL"); v != "" {
		c.Collector.URL = v
	}
	if v := os.Getenv("COLLECTOR_QUEUE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Collector.QueueLimit = n
		}
	}
	if v := os.Getenv("GPS_TYPE"); v != "" {
		c.GPS.Type = v
	}
	if v := os.Getenv("GPS_PORT"); v != "" {
		c.GPS.PortPath = v
	}
	if v := os.Getenv("GPS_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.GPS.BaudRate = n
		}
	}
	if v := os.Getenv("GPS_INTERVAL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.GPS.IntervalSec = n
		}
	}
	if v := os.Getenv("LOCATION_GRANTED"); v != "" {
		c.Permission.Granted = truthy(v)
	}
	if v := os.Getenv("JOURNAL_ENABLED"); v != "" {
		c.Journal.Enabled = truthy(v)
	}
	if v := os.Getenv("JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
}

func truthy(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

var validate = validator.New()

// Validate checks every section against its constraints.
func (c *Config) Validate() error {
	for name, section := range map[string]any{
		"collector": c.Collector,
		"gps":       c.GPS,
		"server":    c.Server,
	} {
		if err := validate.Struct(section); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.GPS.Type == "nmea" && c.GPS.PortPath == "" {
		return fmt.Errorf("gps: port_path required for nmea")
	}
	return nil
}

// ConnectTimeout returns the collector connect timeout.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Collector.ConnectTimeoutMs) * time.Millisecond
}

// ReadTimeout returns the collector read timeout.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Collector.ReadTimeoutMs) * time.Millisecond
}

// Interval returns the location update interval hint.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.GPS.IntervalSec) * time.Second
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	return json.Marshal(c)
}
