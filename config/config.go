package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "droplink"
	// DefaultListeningPort is the port used when no user override exists.
	DefaultListeningPort = 8737
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"

	// DefaultSessionIDLength is the generated session token width.
	DefaultSessionIDLength = 6
	// DefaultChunkSize is the transfer chunk size for desktop-class devices.
	DefaultChunkSize = 16 * 1024
	// DefaultMobileChunkSize is the chunk size for mobile-class devices.
	DefaultMobileChunkSize = 4 * 1024
	// DefaultBufferedHighWater pauses sending above this unsent-byte level.
	DefaultBufferedHighWater = 512 * 1024
	// DefaultPaceIntervalMS is the delay between chunk send steps.
	DefaultPaceIntervalMS = 5
	// DefaultSendBufferSize is the per-connection outbound queue depth.
	DefaultSendBufferSize = 64

	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// ServiceConfig contains persistent coordination service settings. Transfer
// tunables live here so host applications sharing the data dir pick up the
// same chunking and pacing parameters.
type ServiceConfig struct {
	ServiceID         string `json:"service_id"`
	InstanceName      string `json:"instance_name"`
	PortMode          string `json:"port_mode"`
	ListeningPort     int    `json:"listening_port"`
	SessionIDLength   int    `json:"session_id_length"`
	ChunkSize         int    `json:"chunk_size"`
	MobileChunkSize   int    `json:"mobile_chunk_size"`
	BufferedHighWater int    `json:"buffered_high_water"`
	PaceIntervalMS    int    `json:"pace_interval_ms"`
	SendBufferSize    int    `json:"send_buffer_size"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If DROPLINK_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("DROPLINK_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "files"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ServiceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ServiceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ServiceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*ServiceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig() *ServiceConfig {
	instanceName := "Droplink Service"
	if host, err := os.Hostname(); err == nil && host != "" {
		instanceName = host
	}

	return &ServiceConfig{
		ServiceID:         uuid.NewString(),
		InstanceName:      instanceName,
		PortMode:          PortModeAutomatic,
		ListeningPort:     0,
		SessionIDLength:   DefaultSessionIDLength,
		ChunkSize:         DefaultChunkSize,
		MobileChunkSize:   DefaultMobileChunkSize,
		BufferedHighWater: DefaultBufferedHighWater,
		PaceIntervalMS:    DefaultPaceIntervalMS,
		SendBufferSize:    DefaultSendBufferSize,
	}
}

func normalizeDefaults(cfg *ServiceConfig) bool {
	updated := false

	if cfg.ServiceID == "" {
		cfg.ServiceID = uuid.NewString()
		updated = true
	}

	if cfg.InstanceName == "" {
		instanceName := "Droplink Service"
		if host, err := os.Hostname(); err == nil && host != "" {
			instanceName = host
		}
		cfg.InstanceName = instanceName
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.SessionIDLength <= 0 {
		cfg.SessionIDLength = DefaultSessionIDLength
		updated = true
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
		updated = true
	}
	if cfg.MobileChunkSize <= 0 {
		cfg.MobileChunkSize = DefaultMobileChunkSize
		updated = true
	}
	if cfg.BufferedHighWater <= 0 {
		cfg.BufferedHighWater = DefaultBufferedHighWater
		updated = true
	}
	if cfg.PaceIntervalMS <= 0 {
		cfg.PaceIntervalMS = DefaultPaceIntervalMS
		updated = true
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = DefaultSendBufferSize
		updated = true
	}

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
