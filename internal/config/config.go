package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"github.com/rigado/bootloader-tools/internal/ble"
)

// Config holds all application configuration.
type Config struct {
	BLE      BLEConfig    `yaml:"ble"`
	DFU      DFUConfig    `yaml:"dfu"`
	Serial   SerialConfig `yaml:"serial"`
	LogLevel string       `yaml:"log_level"`
}

// BLEConfig selects and tunes the BLE central.
type BLEConfig struct {
	Transport       string        `yaml:"transport"` // "tinygo" or "hci"; hci by default on Linux
	DeviceName      string        `yaml:"device_name"`
	Address         string        `yaml:"address"` // restrict to one device; empty accepts any
	ScanTimeout     time.Duration `yaml:"scan_timeout"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	ConnectTries    int           `yaml:"connect_tries"`
	ReconnectMax    time.Duration `yaml:"reconnect_max"`
	DiscoverTimeout time.Duration `yaml:"discover_timeout"`
}

// DFUConfig tunes the update exchange.
type DFUConfig struct {
	PacketSize            int           `yaml:"packet_size"`
	PacketReceiptInterval int           `yaml:"packet_receipt_interval"`
	RequestMTU            bool          `yaml:"request_mtu"`
	PacketWriteResponse   bool          `yaml:"packet_write_response"`
	ResponseTimeout       time.Duration `yaml:"response_timeout"`
	IncompatibleRevisions []string      `yaml:"incompatible_revisions"`
	PatchRetryMax         int           `yaml:"patch_retry_max"`
	PatchRetryDelay       time.Duration `yaml:"patch_retry_delay"`
	DownloadDir           string        `yaml:"download_dir"`
}

// SerialConfig holds settings for updates over a UART.
type SerialConfig struct {
	Port            string        `yaml:"port"`
	Baud            int           `yaml:"baud"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ResponseTimeout time.Duration `yaml:"response_timeout"`
	ChunkSize       int           `yaml:"chunk_size"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := homedir.Dir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "rigdfu")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		BLE: BLEConfig{
			Transport:       ble.DefaultTransport,
			DeviceName:      "RigDfu",
			ConnectTimeout:  10 * time.Second,
			ConnectTries:    3,
			ReconnectMax:    8 * time.Second,
			DiscoverTimeout: 5 * time.Second,
		},
		DFU: DFUConfig{
			PacketSize:            20,
			PacketReceiptInterval: 32,
			PacketWriteResponse:   true,
			ResponseTimeout:       30 * time.Second,
			PatchRetryDelay:       50 * time.Millisecond,
			DownloadDir:           filepath.Join(DefaultConfigDir(), "packages"),
		},
		Serial: SerialConfig{
			Baud:            115200,
			ReadTimeout:     time.Second,
			ResponseTimeout: 5 * time.Second,
			ChunkSize:       192,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in download_dir is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.DFU.DownloadDir = expandTilde(cfg.DFU.DownloadDir)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.BLE.Transport {
	case ble.TransportTinyGo, ble.TransportHCI:
	default:
		return fmt.Errorf("ble.transport must be \"tinygo\" or \"hci\", got %q", c.BLE.Transport)
	}

	if c.BLE.DeviceName == "" {
		return fmt.Errorf("ble.device_name must not be empty")
	}

	if c.BLE.ConnectTries < 1 {
		return fmt.Errorf("ble.connect_tries must be >= 1")
	}

	if c.BLE.ScanTimeout < 0 || c.BLE.ConnectTimeout < 0 || c.BLE.DiscoverTimeout < 0 {
		return fmt.Errorf("ble timeouts must not be negative")
	}

	// Packets are word aligned and must fit the default ATT payload.
	if c.DFU.PacketSize < 4 || c.DFU.PacketSize > 20 || c.DFU.PacketSize%4 != 0 {
		return fmt.Errorf("dfu.packet_size must be a multiple of 4 between 4 and 20, got %d", c.DFU.PacketSize)
	}

	if c.DFU.PacketReceiptInterval < 0 || c.DFU.PacketReceiptInterval > 0xffff {
		return fmt.Errorf("dfu.packet_receipt_interval must be between 0 and 65535, got %d", c.DFU.PacketReceiptInterval)
	}

	if c.DFU.ResponseTimeout < 0 {
		return fmt.Errorf("dfu.response_timeout must not be negative")
	}

	if c.DFU.PatchRetryMax < 0 {
		return fmt.Errorf("dfu.patch_retry_max must be >= 0")
	}

	if c.Serial.Baud <= 0 {
		return fmt.Errorf("serial.baud must be > 0")
	}

	if c.Serial.ChunkSize <= 0 || c.Serial.ChunkSize > 253 {
		return fmt.Errorf("serial.chunk_size must be between 1 and 253, got %d", c.Serial.ChunkSize)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return path
	}
	return expanded
}

const defaultHeader = `# rigdfu configuration
# Durations use Go syntax (500ms, 5s, 1m). CLI flags override these values.
`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// ("", nil) without touching anything when a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}
