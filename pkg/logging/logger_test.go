package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"phishwall/pkg/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		cfg     *config.LoggingConfig
		name    string
		wantErr bool
	}{
		{
			name: "text format stdout",
			cfg: &config.LoggingConfig{
				Level:  "info",
				Format: "text",
				Output: "stdout",
			},
		},
		{
			name: "json format stderr",
			cfg: &config.LoggingConfig{
				Level:  "debug",
				Format: "json",
				Output: "stderr",
			},
		},
		{
			name:    "nil config",
			cfg:     nil,
			wantErr: true,
		},
		{
			name: "file in missing directory",
			cfg: &config.LoggingConfig{
				Level:    "info",
				Format:   "text",
				Output:   "file",
				FilePath: filepath.Join(t.TempDir(), "missing", "phishwall.log"),
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && logger == nil {
				t.Error("New() returned nil logger")
			}
		})
	}
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phishwall.log")
	logger, err := New(&config.LoggingConfig{
		Level:    "info",
		Format:   "text",
		Output:   "file",
		FilePath: path,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	logger.Info("written to file")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
}

func TestNewDefault(t *testing.T) {
	logger := NewDefault()
	if logger == nil {
		t.Fatal("NewDefault() returned nil")
	}
	if logger.cfg.Level != "info" {
		t.Errorf("Expected default level info, got %s", logger.cfg.Level)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := parseLevel(tt.level); got != tt.want {
				t.Errorf("parseLevel(%s) = %v, want %v", tt.level, got, tt.want)
			}
		})
	}
}

func TestNewWithWriter_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, &config.LoggingConfig{Level: "info", Format: "json"})

	logger.WithComponent("dns").WithField("client_ip", "10.0.0.5").Warn("Rate limit exceeded")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if record["component"] != "dns" {
		t.Errorf("component = %v, want dns", record["component"])
	}
	if record["client_ip"] != "10.0.0.5" {
		t.Errorf("client_ip = %v, want 10.0.0.5", record["client_ip"])
	}
	if record["msg"] != "Rate limit exceeded" {
		t.Errorf("msg = %v", record["msg"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, &config.LoggingConfig{Level: "warn", Format: "text"})

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record leaked through warn level: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warn record missing: %q", out)
	}
}

func TestWithFields(t *testing.T) {
	logger := NewDefault()
	newLogger := logger.WithFields(map[string]any{
		"key1": "value1",
		"key2": 42,
	})

	if newLogger == nil {
		t.Fatal("WithFields() returned nil")
	}
	if newLogger == logger {
		t.Error("WithFields() should return a new logger instance")
	}
}

func TestGlobalLogger(t *testing.T) {
	original := Global()
	if original == nil {
		t.Fatal("Global() returned nil")
	}
	defer SetGlobal(original)

	var buf bytes.Buffer
	SetGlobal(NewWithWriter(&buf, &config.LoggingConfig{Level: "debug", Format: "text"}))

	Debug("debug message")
	Info("info message")
	Warn("warn message")
	Error("error message")

	for _, want := range []string{"debug message", "info message", "warn message", "error message"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("global output missing %q", want)
		}
	}
}

func TestNewDiscard(t *testing.T) {
	logger := NewDiscard()
	logger.Error("nothing to see")
	if err := logger.Close(); err != nil {
		t.Errorf("Close() on discard logger = %v", err)
	}
}
