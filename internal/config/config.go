// Package config handles keypresence configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ThingNameEnv is the environment variable the IoT runtime uses to
// tell a component which thing it runs on.
const ThingNameEnv = "AWS_IOT_THING_NAME"

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/keypresence/config.yaml,
// /etc/keypresence/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "keypresence", "config.yaml"))
	}

	paths = append(paths, "/etc/keypresence/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all keypresence configuration.
type Config struct {
	Bus       BusConfig    `yaml:"bus"`
	Device    DeviceConfig `yaml:"device"`
	Keypad    KeypadConfig `yaml:"keypad"`
	DataDir   string       `yaml:"data_dir"`
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"` // text (default) or json
}

// BusConfig defines the MQTT connection and the topics the keypad
// uses. The broker URL scheme selects TLS: mqtts://, ssl:// and
// tls:// connect with TLS, and a cert/key pair enables mutual TLS as
// required by AWS IoT Core.
type BusConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"` // default: keypresence-<thing_name>
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// RequestTopic receives status queries. Any message is a query.
	RequestTopic string `yaml:"request_topic"`
	// ResponseTopic receives status responses.
	ResponseTopic string `yaml:"response_topic"`
	// AvailabilityTopic receives retained online/offline markers.
	// Default: presence/<thing_name>/availability.
	AvailabilityTopic string `yaml:"availability_topic"`
	// DiscoveryPrefix enables Home Assistant MQTT discovery when set
	// (usually "homeassistant").
	DiscoveryPrefix string `yaml:"discovery_prefix"`

	KeepAliveSec int `yaml:"keepalive_sec"` // default 30
	// QueueDir holds outbound messages until the broker acknowledges
	// them. Empty keeps the queue in memory.
	QueueDir string `yaml:"queue_dir"`
	// StartupTimeoutSec bounds the wait for the request subscription
	// to be acknowledged at startup. Default 10.
	StartupTimeoutSec int `yaml:"startup_timeout_sec"`
	// RequestRateLimit caps inbound queries per minute. Default 120.
	RequestRateLimit int `yaml:"request_rate_limit"`
}

// Configured reports whether the minimum bus settings are present.
func (c BusConfig) Configured() bool {
	return c.Broker != "" && c.RequestTopic != "" && c.ResponseTopic != ""
}

// StartupTimeout returns StartupTimeoutSec as a duration.
func (c BusConfig) StartupTimeout() time.Duration {
	return time.Duration(c.StartupTimeoutSec) * time.Second
}

// MutualTLS reports whether a client certificate is configured.
func (c BusConfig) MutualTLS() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// DeviceConfig identifies this keypad.
type DeviceConfig struct {
	// ThingName is the device identity used in logs, the default
	// client ID and default topics. Default: $AWS_IOT_THING_NAME, then
	// "unknown".
	ThingName string `yaml:"thing_name"`
	// DisplayName is shown in Home Assistant. Default: ThingName.
	DisplayName string `yaml:"display_name"`
	// Bucket is reserved for snapshot uploads and currently unused.
	Bucket string `yaml:"bucket"`
}

// KeypadConfig selects the keypad driver.
type KeypadConfig struct {
	Driver    string `yaml:"driver"`     // console (default) or none
	RefreshHz int    `yaml:"refresh_hz"` // default 60
}

// Load reads configuration from a YAML file. A .env file next to the
// config file, if present, is loaded into the environment first
// without overriding variables that are already set. ${VAR}
// references in the YAML are then expanded.
func Load(path string) (*Config, error) {
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("load %s: %w", envPath, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	cfg.expandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyArgs applies the positional serve arguments
// (bucket, request topic, response topic) over the loaded values.
// Empty arguments leave the config untouched.
func (c *Config) ApplyArgs(args []string) {
	set := func(dst *string, i int) {
		if i < len(args) && args[i] != "" {
			*dst = args[i]
		}
	}
	set(&c.Device.Bucket, 0)
	set(&c.Bus.RequestTopic, 1)
	set(&c.Bus.ResponseTopic, 2)
}

func (c *Config) applyDefaults() {
	if c.Device.ThingName == "" {
		c.Device.ThingName = os.Getenv(ThingNameEnv)
	}
	if c.Device.ThingName == "" {
		c.Device.ThingName = "unknown"
	}
	if c.Device.DisplayName == "" {
		c.Device.DisplayName = c.Device.ThingName
	}

	if c.Bus.ClientID == "" {
		c.Bus.ClientID = "keypresence-" + c.Device.ThingName
	}
	if c.Bus.AvailabilityTopic == "" {
		c.Bus.AvailabilityTopic = "presence/" + c.Device.ThingName + "/availability"
	}
	if c.Bus.KeepAliveSec <= 0 {
		c.Bus.KeepAliveSec = 30
	}
	if c.Bus.StartupTimeoutSec <= 0 {
		c.Bus.StartupTimeoutSec = 10
	}
	if c.Bus.RequestRateLimit <= 0 {
		c.Bus.RequestRateLimit = 120
	}

	if c.Keypad.Driver == "" {
		c.Keypad.Driver = "console"
	}
	if c.Keypad.RefreshHz <= 0 {
		c.Keypad.RefreshHz = 60
	}

	if c.DataDir == "" {
		c.DataDir = "data"
	}
}

// Validate checks the loaded configuration for values that would
// only fail later at connect time.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat))
	}

	if c.Bus.Broker != "" {
		u, err := url.Parse(c.Bus.Broker)
		if err != nil {
			errs = append(errs, fmt.Errorf("bus.broker: %w", err))
		} else {
			switch u.Scheme {
			case "mqtt", "tcp", "mqtts", "ssl", "tls", "ws", "wss":
			default:
				errs = append(errs, fmt.Errorf("bus.broker: unsupported scheme %q", u.Scheme))
			}
		}
	}
	if strings.ContainsAny(c.Bus.ResponseTopic, "+#") {
		errs = append(errs, fmt.Errorf("bus.response_topic %q must not contain wildcards", c.Bus.ResponseTopic))
	}
	if (c.Bus.CertFile == "") != (c.Bus.KeyFile == "") {
		errs = append(errs, errors.New("bus.cert_file and bus.key_file must be set together"))
	}

	switch c.Keypad.Driver {
	case "console", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown keypad.driver %q (valid: console, none)", c.Keypad.Driver))
	}
	if c.Keypad.RefreshHz > 1000 {
		errs = append(errs, fmt.Errorf("keypad.refresh_hz %d is too high (max 1000)", c.Keypad.RefreshHz))
	}

	return errors.Join(errs...)
}
