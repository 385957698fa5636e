package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:      3000,
			Address:   "0.0.0.0",
			StaticDir: "./public",
		},
		Media: MediaConfig{
			OutputDir: "./data/mp3",
		},
		Speech: SpeechConfig{
			Endpoint:      "https://api.example.com/synthesize",
			APIKey:        "test-key",
			Voice:         "en-AU-Standard-B",
			Timeout:       30,
			MaxRetries:    3,
			MaxConcurrent: 10,
		},
		Engine: EngineConfig{
			ScriptPath: "./scripts/story.lua",
			MaxDepth:   32,
		},
		Room: RoomConfig{
			RateMin:      0.25,
			RateMax:      4.0,
			RateOffset:   -0.1,
			PitchOffset:  -5,
			DefaultDelay: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:        "valid configuration",
			mutate:      func(c *Config) {},
			expectError: false,
		},
		{
			name:        "invalid server port",
			mutate:      func(c *Config) { c.Server.Port = 70000 },
			expectError: true,
			errorMsg:    "port must be between 1 and 65535",
		},
		{
			name:        "empty media output dir",
			mutate:      func(c *Config) { c.Media.OutputDir = "" },
			expectError: true,
			errorMsg:    "output_dir cannot be empty",
		},
		{
			name:        "empty speech endpoint",
			mutate:      func(c *Config) { c.Speech.Endpoint = "" },
			expectError: true,
			errorMsg:    "endpoint cannot be empty",
		},
		{
			name:        "negative speech retries",
			mutate:      func(c *Config) { c.Speech.MaxRetries = -1 },
			expectError: true,
			errorMsg:    "max_retries cannot be negative",
		},
		{
			name:        "rate_max below rate_min",
			mutate:      func(c *Config) { c.Room.RateMax = 0.1 },
			expectError: true,
			errorMsg:    "rate_max",
		},
		{
			name:        "invalid log level",
			mutate:      func(c *Config) { c.Logging.Level = "trace" },
			expectError: true,
			errorMsg:    "level must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.expectError {
				if err == nil {
					t.Fatal("Expected validation error but got none")
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error containing %q, got %q", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("Expected valid config but got error: %v", err)
			}
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	content := `
server:
  port: 3000
  address: "0.0.0.0"
  static_dir: "./public"
media:
  output_dir: "./data/mp3"
speech:
  endpoint: "https://api.example.com/synthesize"
  api_key: "test-key"
  voice: "en-AU-Standard-B"
  timeout: 30
  max_retries: 3
  max_concurrent: 10
engine:
  script_path: "./scripts/story.lua"
logging:
  level: "info"
  format: "json"
  output: "stdout"
`

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Expected port 3000, got %d", cfg.Server.Port)
	}

	if cfg.Speech.Voice != "en-AU-Standard-B" {
		t.Errorf("Expected voice en-AU-Standard-B, got %s", cfg.Speech.Voice)
	}

	// Calibration defaults come in even when the file omits the room section.
	if cfg.Room.RateMin != 0.25 || cfg.Room.RateMax != 4.0 {
		t.Errorf("Expected rate clamp defaults [0.25, 4.0], got [%f, %f]", cfg.Room.RateMin, cfg.Room.RateMax)
	}

	if cfg.Room.RateOffset != -0.1 || cfg.Room.PitchOffset != -5 {
		t.Errorf("Expected offset defaults (-0.1, -5), got (%f, %f)", cfg.Room.RateOffset, cfg.Room.PitchOffset)
	}

	if cfg.Engine.MaxDepth != 32 {
		t.Errorf("Expected default max_depth 32, got %d", cfg.Engine.MaxDepth)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("Expected error loading missing config file")
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not a mapping"), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("Expected error parsing invalid YAML")
	}
}

func TestDurationHelpers(t *testing.T) {
	speech := SpeechConfig{Timeout: 30}
	if speech.GetTimeoutDuration() != 30*time.Second {
		t.Errorf("Expected 30 seconds, got %v", speech.GetTimeoutDuration())
	}

	room := RoomConfig{DefaultDelay: 10}
	if room.GetDefaultDelay() != 10*time.Millisecond {
		t.Errorf("Expected 10ms, got %v", room.GetDefaultDelay())
	}
}
