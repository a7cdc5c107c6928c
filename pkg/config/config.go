package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so known_tenants can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Workspace string        `json:"workspace" env:"SUPPORTDESK_WORKSPACE"`
	Tenancy   TenancyConfig `json:"tenancy"`
	Memory    MemoryConfig  `json:"memory"`
	Log       LogConfig     `json:"log"`
	mu        sync.RWMutex
}

type TenancyConfig struct {
	// DefaultTenantID is used by repair when no tenant is given on the
	// command line.
	DefaultTenantID string `json:"default_tenant_id" env:"SUPPORTDESK_TENANCY_DEFAULT_TENANT_ID"`
	// KnownTenants, when non-empty, restricts writes to the listed tenants.
	KnownTenants FlexibleStringSlice `json:"known_tenants" env:"SUPPORTDESK_TENANCY_KNOWN_TENANTS"`
}

type MemoryConfig struct {
	DBPath              string `json:"db_path" env:"SUPPORTDESK_MEMORY_DB_PATH"`
	CacheCapacity       int    `json:"cache_capacity" env:"SUPPORTDESK_MEMORY_CACHE_CAPACITY"`
	RetentionDays       int    `json:"retention_days" env:"SUPPORTDESK_MEMORY_RETENTION_DAYS"`
	CacheHorizonMinutes int    `json:"cache_horizon_minutes" env:"SUPPORTDESK_MEMORY_CACHE_HORIZON_MINUTES"`
	HistoryMaxAgeDays   int    `json:"history_max_age_days" env:"SUPPORTDESK_MEMORY_HISTORY_MAX_AGE_DAYS"`
	AnalysisWindow      int    `json:"analysis_window" env:"SUPPORTDESK_MEMORY_ANALYSIS_WINDOW"`
	StoreTimeoutMS      int    `json:"store_timeout_ms" env:"SUPPORTDESK_MEMORY_STORE_TIMEOUT_MS"`
	SweepEveryWrites    int    `json:"sweep_every_writes" env:"SUPPORTDESK_MEMORY_SWEEP_EVERY_WRITES"`
	JanitorSchedule     string `json:"janitor_schedule" env:"SUPPORTDESK_MEMORY_JANITOR_SCHEDULE"`
}

type LogConfig struct {
	Level string `json:"level" env:"SUPPORTDESK_LOG_LEVEL"`
	JSON  bool   `json:"json" env:"SUPPORTDESK_LOG_JSON"`
}

func DefaultConfig() *Config {
	return &Config{
		Workspace: "~/.supportdesk/workspace",
		Tenancy: TenancyConfig{
			KnownTenants: FlexibleStringSlice{},
		},
		Memory: MemoryConfig{
			CacheCapacity:       10,
			RetentionDays:       30,
			CacheHorizonMinutes: 60,
			HistoryMaxAgeDays:   7,
			AnalysisWindow:      50,
			StoreTimeoutMS:      3000,
			SweepEveryWrites:    100,
			JanitorSchedule:     "0 3 * * *",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads the JSON file at path over the defaults, then applies
// SUPPORTDESK_* environment overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// DefaultPath is ~/.supportdesk/config.json.
func DefaultPath() string {
	return expandHome("~/.supportdesk/config.json")
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Workspace)
}

// DBPath returns the configured database location, or the default under
// the workspace.
func (c *Config) DBPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p := strings.TrimSpace(c.Memory.DBPath); p != "" {
		return expandHome(p)
	}
	return filepath.Join(expandHome(c.Workspace), "state", "memory.db")
}

// KnownTenants returns the trimmed, non-empty tenant allow-list.
func (c *Config) KnownTenants() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.Tenancy.KnownTenants))
	for _, id := range c.Tenancy.KnownTenants {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
