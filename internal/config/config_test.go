package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const minimalYAML = `
bus:
  broker: mqtts://example-ats.iot.us-east-1.amazonaws.com:8883
  request_topic: presence/desk/request
  response_topic: presence/desk/response
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, t.TempDir(), minimalYAML)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, minimalYAML)
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(ThingNameEnv, "")
	path := writeConfig(t, t.TempDir(), minimalYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"thing name", cfg.Device.ThingName, "unknown"},
		{"display name", cfg.Device.DisplayName, "unknown"},
		{"client id", cfg.Bus.ClientID, "keypresence-unknown"},
		{"availability topic", cfg.Bus.AvailabilityTopic, "presence/unknown/availability"},
		{"keepalive", cfg.Bus.KeepAliveSec, 30},
		{"startup timeout", cfg.Bus.StartupTimeoutSec, 10},
		{"rate limit", cfg.Bus.RequestRateLimit, 120},
		{"driver", cfg.Keypad.Driver, "console"},
		{"refresh", cfg.Keypad.RefreshHz, 60},
		{"data dir", cfg.DataDir, "data"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if !cfg.Bus.Configured() {
		t.Error("Configured() = false, want true")
	}
}

func TestLoad_ThingNameFromEnv(t *testing.T) {
	t.Setenv(ThingNameEnv, "desk-keypad")
	path := writeConfig(t, t.TempDir(), minimalYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Device.ThingName != "desk-keypad" {
		t.Errorf("ThingName = %q, want %q", cfg.Device.ThingName, "desk-keypad")
	}
	if cfg.Bus.ClientID != "keypresence-desk-keypad" {
		t.Errorf("ClientID = %q, want %q", cfg.Bus.ClientID, "keypresence-desk-keypad")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("KEYPRESENCE_TEST_PASSWORD", "secret123")
	path := writeConfig(t, t.TempDir(), minimalYAML+"  password: ${KEYPRESENCE_TEST_PASSWORD}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Bus.Password != "secret123" {
		t.Errorf("password = %q, want %q", cfg.Bus.Password, "secret123")
	}
}

func TestLoad_DotEnvBesideConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("KEYPRESENCE_TEST_USER", "")
	os.Unsetenv("KEYPRESENCE_TEST_USER")

	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("KEYPRESENCE_TEST_USER=keypad\n"), 0600); err != nil {
		t.Fatal(err)
	}
	path := writeConfig(t, dir, minimalYAML+"  username: ${KEYPRESENCE_TEST_USER}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Bus.Username != "keypad" {
		t.Errorf("username = %q, want %q", cfg.Bus.Username, "keypad")
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad level", minimalYAML + "log_level: loud\n", "unknown log level"},
		{"bad format", minimalYAML + "log_format: xml\n", "unknown log_format"},
		{"bad scheme", "bus:\n  broker: http://example.com\n", "unsupported scheme"},
		{"wildcard response", "bus:\n  response_topic: presence/+/response\n", "wildcards"},
		{"half tls pair", minimalYAML + "  cert_file: /tmp/cert.pem\n", "set together"},
		{"bad driver", minimalYAML + "keypad:\n  driver: usb\n", "unknown keypad.driver"},
		{"fast refresh", minimalYAML + "keypad:\n  refresh_hz: 5000\n", "too high"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tt.body)
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load should fail")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestConfig_ApplyArgs(t *testing.T) {
	cfg := &Config{}
	cfg.Bus.RequestTopic = "from/yaml"

	cfg.ApplyArgs([]string{"snapshots", "", "cli/response"})

	if cfg.Device.Bucket != "snapshots" {
		t.Errorf("Bucket = %q, want %q", cfg.Device.Bucket, "snapshots")
	}
	if cfg.Bus.RequestTopic != "from/yaml" {
		t.Errorf("RequestTopic = %q, want it unchanged", cfg.Bus.RequestTopic)
	}
	if cfg.Bus.ResponseTopic != "cli/response" {
		t.Errorf("ResponseTopic = %q, want %q", cfg.Bus.ResponseTopic, "cli/response")
	}
}

func TestBusConfig_MutualTLS(t *testing.T) {
	if (BusConfig{}).MutualTLS() {
		t.Error("empty config should not use mutual TLS")
	}
	if !(BusConfig{CertFile: "c", KeyFile: "k"}).MutualTLS() {
		t.Error("cert and key set should use mutual TLS")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"INFO", slog.LevelInfo, false},
		{" trace ", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_TraceName(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace, "text")
	logger.Log(t.Context(), LevelTrace, "led frame pushed")

	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("expected level=TRACE in output, got: %s", buf.String())
	}
}

func TestLoad_ExpandsHomeInPaths(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := writeConfig(t, t.TempDir(), minimalYAML+
		"  cert_file: ~/certs/device.pem.crt\n"+
		"  key_file: ~/certs/private.pem.key\n"+
		"  queue_dir: relative/queue\n"+
		"data_dir: \"~\"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"cert file", cfg.Bus.CertFile, filepath.Join(home, "certs", "device.pem.crt")},
		{"key file", cfg.Bus.KeyFile, filepath.Join(home, "certs", "private.pem.key")},
		{"queue dir", cfg.Bus.QueueDir, "relative/queue"},
		{"data dir", cfg.DataDir, home},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestExpandHome_OtherUser(t *testing.T) {
	if got := expandHome("~bob/certs"); got != "~bob/certs" {
		t.Errorf("expandHome(~bob/certs) = %q, want unchanged", got)
	}
}

func TestLoad_BareTildeIsNull(t *testing.T) {
	// YAML reads an unquoted ~ as null, so the default applies.
	path := writeConfig(t, t.TempDir(), minimalYAML+"data_dir: ~\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.DataDir != "data" {
		t.Errorf("DataDir = %q, want default %q", cfg.DataDir, "data")
	}
}
