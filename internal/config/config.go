package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	BLE      BLEConfig     `yaml:"ble"`
	WiFi     WiFiConfig    `yaml:"wifi"`
	Metrics  MetricsConfig `yaml:"metrics"`
	LogLevel string        `yaml:"log_level"`
	Trace    bool          `yaml:"trace"` // print operation spans to stderr
}

// BLEConfig holds connection and transport settings.
type BLEConfig struct {
	DeviceAddress     string        `yaml:"device_address"` // MAC, or CoreBluetooth UUID on macOS
	ScanTimeout       time.Duration `yaml:"scan_timeout"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	AckTimeout        time.Duration `yaml:"ack_timeout"`
	KeyTimeout        time.Duration `yaml:"key_timeout"`
	ResponseTimeout   time.Duration `yaml:"response_timeout"`    // version, status and scan replies
	PacketLengthLimit int           `yaml:"packet_length_limit"` // 0 = derive from MTU
	FragmentDelay     time.Duration `yaml:"fragment_delay"`
	RequireAck        bool          `yaml:"require_ack"`
	Negotiate         bool          `yaml:"negotiate"` // run security negotiation after connecting
}

// WiFiConfig holds the provisioning target.
type WiFiConfig struct {
	OpMode         string `yaml:"op_mode"` // "null", "sta", "softap" or "stasoftap"
	StaSSID        string `yaml:"sta_ssid"`
	StaPassword    string `yaml:"sta_password"`
	SoftAPSSID     string `yaml:"softap_ssid"`
	SoftAPPassword string `yaml:"softap_password"`
	SoftAPChannel  int    `yaml:"softap_channel"`
	SoftAPMaxConn  int    `yaml:"softap_max_conn"`
	SoftAPSecurity string `yaml:"softap_security"` // "open", "wep", "wpa", "wpa2", "wpa_wpa2"
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"` // empty disables the endpoint
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "goblufi")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		BLE: BLEConfig{
			ScanTimeout:     5 * time.Second,
			ConnectTimeout:  10 * time.Second,
			WriteTimeout:    5 * time.Second,
			AckTimeout:      5 * time.Second,
			KeyTimeout:      10 * time.Second,
			ResponseTimeout: 10 * time.Second,
			FragmentDelay:   10 * time.Millisecond,
			Negotiate:       true,
		},
		WiFi: WiFiConfig{
			OpMode:         "sta",
			SoftAPSecurity: "wpa2",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. A leading ~ in path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	for name, d := range map[string]time.Duration{
		"ble.scan_timeout":     c.BLE.ScanTimeout,
		"ble.connect_timeout":  c.BLE.ConnectTimeout,
		"ble.write_timeout":    c.BLE.WriteTimeout,
		"ble.ack_timeout":      c.BLE.AckTimeout,
		"ble.key_timeout":      c.BLE.KeyTimeout,
		"ble.response_timeout": c.BLE.ResponseTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if c.BLE.FragmentDelay < 0 {
		return fmt.Errorf("ble.fragment_delay must not be negative")
	}
	// header, checksum, fragment prefix and at least one data byte
	if c.BLE.PacketLengthLimit != 0 && c.BLE.PacketLengthLimit < 9 {
		return fmt.Errorf("ble.packet_length_limit must be 0 or at least 9, got %d", c.BLE.PacketLengthLimit)
	}

	switch strings.ToLower(c.WiFi.OpMode) {
	case "null", "none", "":
	case "sta":
	case "softap", "ap", "stasoftap", "sta+softap", "apsta":
		if err := c.validateSoftAP(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("wifi.op_mode must be null, sta, softap, or stasoftap, got %q", c.WiFi.OpMode)
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}

	return nil
}

func (c *Config) validateSoftAP() error {
	switch strings.ToLower(c.WiFi.SoftAPSecurity) {
	case "open", "":
	case "wep", "wpa", "wpa_psk", "wpa2", "wpa2_psk", "wpa_wpa2", "wpa_wpa2_psk":
		if len(c.WiFi.SoftAPPassword) < 8 {
			return fmt.Errorf("wifi.softap_password must be at least 8 characters for %s", c.WiFi.SoftAPSecurity)
		}
	default:
		return fmt.Errorf("wifi.softap_security %q is not supported", c.WiFi.SoftAPSecurity)
	}
	if c.WiFi.SoftAPChannel < 0 || c.WiFi.SoftAPChannel > 14 {
		return fmt.Errorf("wifi.softap_channel must be between 0 and 14, got %d", c.WiFi.SoftAPChannel)
	}
	if c.WiFi.SoftAPMaxConn < 0 || c.WiFi.SoftAPMaxConn > 10 {
		return fmt.Errorf("wifi.softap_max_conn must be between 0 and 10, got %d", c.WiFi.SoftAPMaxConn)
	}
	return nil
}

// ParseLogLevel maps log_level to a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("log_level must be debug, info, warn, or error, got %q", s)
}

const defaultHeader = `# goblufi configuration
# Durations use Go syntax (500ms, 5s). Set ble.device_address to skip scanning.
`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// ("", nil) without touching anything when the file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
