package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "notirelay"
	// DefaultListeningPort is the TCP port used when no user override exists.
	DefaultListeningPort = 9821
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"

	// DefaultMaxNotificationsPerDevice bounds merged history per origin label.
	DefaultMaxNotificationsPerDevice = 100
	// DefaultCandidateLivenessSeconds evicts discovery candidates not seen
	// within this window.
	DefaultCandidateLivenessSeconds = 20
	// DefaultFlushDebounceMillis coalesces history writes to storage.
	DefaultFlushDebounceMillis = 500
	// DefaultApprovalExpirySeconds bounds pending handshake approvals.
	// Zero disables expiry.
	DefaultApprovalExpirySeconds = 120

	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID                string `json:"device_id"`
	DeviceName              string `json:"device_name"`
	PortMode                string `json:"port_mode"`
	ListeningPort           int    `json:"listening_port"`
	IdentityPrivateKeyPath  string `json:"identity_private_key_path"`
	IdentityPublicKeyPath   string `json:"identity_public_key_path"`
	AgreementPrivateKeyPath string `json:"agreement_private_key_path"`
	KeyFingerprint          string `json:"key_fingerprint"`

	MaxNotificationsPerDevice int `json:"max_notifications_per_device"`
	CandidateLivenessSeconds  int `json:"candidate_liveness_seconds"`
	FlushDebounceMillis       int `json:"flush_debounce_millis"`
	ApprovalExpirySeconds     int `json:"approval_expiry_seconds"`
}

// CandidateLiveness returns the discovery liveness window as a duration.
func (c *DeviceConfig) CandidateLiveness() time.Duration {
	return time.Duration(c.CandidateLivenessSeconds) * time.Second
}

// FlushDebounce returns the history write-behind debounce window.
func (c *DeviceConfig) FlushDebounce() time.Duration {
	return time.Duration(c.FlushDebounceMillis) * time.Millisecond
}

// ApprovalExpiry returns the pending-approval expiry, zero meaning none.
func (c *DeviceConfig) ApprovalExpiry() time.Duration {
	return time.Duration(c.ApprovalExpirySeconds) * time.Second
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If NOTIRELAY_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("NOTIRELAY_DATA_DIR"); override != "" {
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
		filepath.Join(dataDir, "keys"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
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
func LoadOrCreate() (*DeviceConfig, string, error) {
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

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	keysDir := filepath.Join(dataDir, "keys")
	return &DeviceConfig{
		DeviceID:                  uuid.NewString(),
		DeviceName:                defaultDeviceName(),
		PortMode:                  PortModeFixed,
		ListeningPort:             DefaultListeningPort,
		IdentityPrivateKeyPath:    filepath.Join(keysDir, "identity_private.pem"),
		IdentityPublicKeyPath:     filepath.Join(keysDir, "identity_public.pem"),
		AgreementPrivateKeyPath:   filepath.Join(keysDir, "agreement_private.pem"),
		KeyFingerprint:            "",
		MaxNotificationsPerDevice: DefaultMaxNotificationsPerDevice,
		CandidateLivenessSeconds:  DefaultCandidateLivenessSeconds,
		FlushDebounceMillis:       DefaultFlushDebounceMillis,
		ApprovalExpirySeconds:     DefaultApprovalExpirySeconds,
	}
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "Notirelay Device"
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
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
	if cfg.PortMode == PortModeFixed && cfg.ListeningPort <= 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.IdentityPrivateKeyPath == "" {
		cfg.IdentityPrivateKeyPath = filepath.Join(keysDir, "identity_private.pem")
		updated = true
	}
	if cfg.IdentityPublicKeyPath == "" {
		cfg.IdentityPublicKeyPath = filepath.Join(keysDir, "identity_public.pem")
		updated = true
	}
	if cfg.AgreementPrivateKeyPath == "" {
		cfg.AgreementPrivateKeyPath = filepath.Join(keysDir, "agreement_private.pem")
		updated = true
	}

	if cfg.MaxNotificationsPerDevice <= 0 {
		cfg.MaxNotificationsPerDevice = DefaultMaxNotificationsPerDevice
		updated = true
	}
	if cfg.CandidateLivenessSeconds <= 0 {
		cfg.CandidateLivenessSeconds = DefaultCandidateLivenessSeconds
		updated = true
	}
	if cfg.FlushDebounceMillis <= 0 {
		cfg.FlushDebounceMillis = DefaultFlushDebounceMillis
		updated = true
	}
	if cfg.ApprovalExpirySeconds < 0 {
		cfg.ApprovalExpirySeconds = DefaultApprovalExpirySeconds
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
