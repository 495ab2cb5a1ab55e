package robot

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultConfigFile = "go2web.yaml"

// Config holds the application configuration
type Config struct {
	Bridge  BridgeConfig  `yaml:"bridge"`
	Camera  CameraConfig  `yaml:"camera"`
	Motion  MotionConfig  `yaml:"motion"`
	HTTP    HTTPConfig    `yaml:"http"`
	TCP     TCPConfig     `yaml:"tcp"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Logging LoggingConfig `yaml:"logging"`
}

// BridgeConfig describes how to start the vendor SDK helper process
type BridgeConfig struct {
	Command   string   `yaml:"command"`
	Args      []string `yaml:"args,omitempty"`
	Interface string   `yaml:"interface"` // network interface facing the robot, passed as --iface
}

// CameraConfig holds the frame pipeline settings
type CameraConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Width        int           `yaml:"width"`
	Height       int           `yaml:"height"`
	FPS          int           `yaml:"fps"`
	Quality      int           `yaml:"jpeg_quality"`
	SkipFrames   int           `yaml:"skip_frames"`
	Timeout      time.Duration `yaml:"timeout"`
	ErrorBackoff time.Duration `yaml:"error_backoff"`
}

// MotionConfig holds the velocity dispatch settings
type MotionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Period         time.Duration `yaml:"period"`
	Timeout        time.Duration `yaml:"timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"` // 0 disables the dead-man stop
}

// HTTPConfig sets the web server listen address
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// TCPConfig enables the newline-delimited JSON command port
type TCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// MQTTConfig enables MQTT command ingress and status telemetry when Broker is set
type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	StatusInterval time.Duration `yaml:"status_interval"`
}

// LoggingConfig sets the log level: debug, info, warn or error
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the built-in configuration
func DefaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			Command:   "go2-sdk-bridge",
			Interface: "eth0",
		},
		Camera: CameraConfig{
			Enabled:      true,
			Width:        320,
			Height:       240,
			FPS:          15,
			Quality:      50,
			SkipFrames:   2,
			Timeout:      DefaultVideoTimeout,
			ErrorBackoff: 100 * time.Millisecond,
		},
		Motion: MotionConfig{
			Enabled: true,
			Period:  20 * time.Millisecond,
			Timeout: DefaultSportTimeout,
		},
		HTTP: HTTPConfig{
			Addr: "0.0.0.0:5001",
		},
		TCP: TCPConfig{
			Addr: ":65432",
		},
		MQTT: MQTTConfig{
			ClientID:       "go2web",
			TopicPrefix:    "go2web",
			StatusInterval: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// BridgeArgs returns the helper arguments including the interface flag
func (c *Config) BridgeArgs() []string {
	args := append([]string(nil), c.Bridge.Args...)
	if c.Bridge.Interface != "" {
		args = append(args, "--iface", c.Bridge.Interface)
	}
	return args
}

// LoadConfig loads configuration from the default config file
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(DefaultConfigFile)
}

// LoadConfigFrom loads configuration from a specific file. Values missing
// from the file keep their defaults.
func LoadConfigFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the loops cannot run with
func (c *Config) Validate() error {
	if c.Camera.FPS <= 0 {
		return fmt.Errorf("camera fps must be positive, got %d", c.Camera.FPS)
	}
	if c.Camera.SkipFrames < 1 {
		return fmt.Errorf("camera skip_frames must be at least 1, got %d", c.Camera.SkipFrames)
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("invalid camera resolution %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.Quality < 1 || c.Camera.Quality > 100 {
		return fmt.Errorf("camera jpeg_quality must be between 1 and 100, got %d", c.Camera.Quality)
	}
	if c.Camera.Timeout <= 0 || c.Motion.Timeout <= 0 {
		return fmt.Errorf("link timeouts must be positive")
	}
	if c.Motion.Period <= 0 {
		return fmt.Errorf("motion period must be positive, got %v", c.Motion.Period)
	}
	if c.Motion.CommandTimeout < 0 {
		return fmt.Errorf("motion command_timeout must not be negative")
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http addr is required")
	}
	if c.TCP.Enabled && c.TCP.Addr == "" {
		return fmt.Errorf("tcp addr is required when tcp is enabled")
	}
	if _, err := c.Logging.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel maps the configured level name to a slog level
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid log level %q (must be debug, info, warn or error)", l.Level)
}

// Save saves configuration to the default config file
func (c *Config) Save() error {
	return c.SaveTo(DefaultConfigFile)
}

// SaveTo saves configuration to a specific file
func (c *Config) SaveTo(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ConfigExists returns true if the default config file exists
func ConfigExists() bool {
	_, err := os.Stat(DefaultConfigFile)
	return err == nil
}
