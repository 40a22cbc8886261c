// Package settings manages the persistent configuration of the wancore
// daemon and the per-org fleet policies.
package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Settings holds the daemon configuration
type Settings struct {
	// RedisAddr is the host:port of the backing Redis instance
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`

	// LogLevel is a logrus level name (debug, info, warn, error)
	LogLevel  string `json:"log_level,omitempty"`
	LogFormat string `json:"log_format,omitempty"` // "text" | "json"

	// OrgRange is the default per-org tunnel address range
	OrgRange string `json:"org_range,omitempty"`
	// DefaultMTU applies when a batch does not request one
	DefaultMTU int `json:"default_mtu,omitempty"`

	// MetricsAddr is the Prometheus listen address; empty disables metrics
	MetricsAddr string `json:"metrics_addr,omitempty"`

	// AuditLogPath enables JSONL audit logging when set
	AuditLogPath string `json:"audit_log_path,omitempty"`

	// SweepSchedule is the cron spec of the periodic reconciliation sweep
	SweepSchedule string `json:"sweep_schedule,omitempty"`

	// PolicyPath points at the YAML fleet policy file
	PolicyPath string `json:"policy_path,omitempty"`
}

// DefaultSettingsPath returns the default path for the settings file
func DefaultSettingsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "wancore_settings.json"
	}
	return filepath.Join(home, ".wancore", "settings.json")
}

// Load reads settings from the default location
func Load() (*Settings, error) {
	return LoadFrom(DefaultSettingsPath())
}

// LoadFrom reads settings from a specific path
func LoadFrom(path string) (*Settings, error) {
	s := &Settings{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return empty settings if file doesn't exist
			return s, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, s); err != nil {
		return nil, err
	}

	return s, nil
}

// Save writes settings to the default location
func (s *Settings) Save() error {
	return s.SaveTo(DefaultSettingsPath())
}

// SaveTo writes settings to a specific path
func (s *Settings) SaveTo(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetRedisAddr returns the Redis address (with fallback)
func (s *Settings) GetRedisAddr() string {
	if s.RedisAddr != "" {
		return s.RedisAddr
	}
	return "localhost:6379"
}

// GetLogLevel returns the log level (with fallback)
func (s *Settings) GetLogLevel() string {
	if s.LogLevel != "" {
		return s.LogLevel
	}
	return "info"
}

// GetOrgRange returns the default org tunnel range (with fallback)
func (s *Settings) GetOrgRange() string {
	if s.OrgRange != "" {
		return s.OrgRange
	}
	return "10.100.0.0/16"
}

// GetSweepSchedule returns the reconciliation sweep cron spec (with fallback)
func (s *Settings) GetSweepSchedule() string {
	if s.SweepSchedule != "" {
		return s.SweepSchedule
	}
	return "@every 5m"
}

// Clear resets all settings to defaults
func (s *Settings) Clear() {
	*s = Settings{}
}
