package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Media   MediaConfig   `yaml:"media"`
	Speech  SpeechConfig  `yaml:"speech"`
	Engine  EngineConfig  `yaml:"engine"`
	Room    RoomConfig    `yaml:"room"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains HTTP/websocket server configuration
type ServerConfig struct {
	Port      int    `yaml:"port"`
	Address   string `yaml:"address"`
	StaticDir string `yaml:"static_dir"`
}

// MediaConfig contains synthesized-audio artifact storage configuration
type MediaConfig struct {
	OutputDir string `yaml:"output_dir"`
}

// SpeechConfig contains speech synthesis API configuration
type SpeechConfig struct {
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Voice         string `yaml:"voice"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// EngineConfig contains expansion engine configuration
type EngineConfig struct {
	ScriptPath string `yaml:"script_path"`
	MaxDepth   int    `yaml:"max_depth"`
}

// RoomConfig contains session pacing and speech calibration parameters
type RoomConfig struct {
	RateMin      float64 `yaml:"rate_min"`
	RateMax      float64 `yaml:"rate_max"`
	RateOffset   float64 `yaml:"rate_offset"`
	PitchOffset  float64 `yaml:"pitch_offset"`
	DefaultDelay int     `yaml:"default_delay"` // milliseconds
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// ApplyDefaults fills calibration values left at zero in the file.
// The rate/pitch offsets compensate a systematic bias in the synthesis
// engine; they are calibration constants, not user-facing knobs.
func (c *Config) ApplyDefaults() {
	if c.Room.RateMin == 0 {
		c.Room.RateMin = 0.25
	}
	if c.Room.RateMax == 0 {
		c.Room.RateMax = 4.0
	}
	if c.Room.RateOffset == 0 {
		c.Room.RateOffset = -0.1
	}
	if c.Room.PitchOffset == 0 {
		c.Room.PitchOffset = -5
	}
	if c.Room.DefaultDelay == 0 {
		c.Room.DefaultDelay = 10
	}
	if c.Engine.MaxDepth == 0 {
		c.Engine.MaxDepth = 32
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Media.Validate(); err != nil {
		return fmt.Errorf("media config: %w", err)
	}

	if err := c.Speech.Validate(); err != nil {
		return fmt.Errorf("speech config: %w", err)
	}

	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine config: %w", err)
	}

	if err := c.Room.Validate(); err != nil {
		return fmt.Errorf("room config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	return nil
}

// Validate validates media configuration
func (m *MediaConfig) Validate() error {
	if m.OutputDir == "" {
		return fmt.Errorf("output_dir cannot be empty")
	}

	return nil
}

// Validate validates speech synthesis configuration
func (s *SpeechConfig) Validate() error {
	if s.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if s.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", s.Timeout)
	}

	if s.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", s.MaxRetries)
	}

	if s.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", s.MaxConcurrent)
	}

	return nil
}

// Validate validates expansion engine configuration
func (e *EngineConfig) Validate() error {
	if e.MaxDepth < 1 {
		return fmt.Errorf("max_depth must be at least 1, got %d", e.MaxDepth)
	}

	return nil
}

// Validate validates room configuration
func (r *RoomConfig) Validate() error {
	if r.RateMin <= 0 {
		return fmt.Errorf("rate_min must be positive, got %f", r.RateMin)
	}

	if r.RateMax <= r.RateMin {
		return fmt.Errorf("rate_max (%f) must be greater than rate_min (%f)", r.RateMax, r.RateMin)
	}

	if r.DefaultDelay < 0 {
		return fmt.Errorf("default_delay cannot be negative, got %d", r.DefaultDelay)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetTimeoutDuration returns the speech synthesis timeout as a time.Duration
func (s *SpeechConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// GetDefaultDelay returns the default inter-segment delay as a time.Duration
func (r *RoomConfig) GetDefaultDelay() time.Duration {
	return time.Duration(r.DefaultDelay) * time.Millisecond
}
