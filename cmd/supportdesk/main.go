// SupportDesk - tenant-isolated conversation memory for customer support agents
// License: MIT
//
// Copyright (c) 2026 SupportDesk contributors

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/dotsetgreg/supportdesk/pkg/config"
	"github.com/dotsetgreg/supportdesk/pkg/logger"
	"github.com/dotsetgreg/supportdesk/pkg/memory"
	"github.com/dotsetgreg/supportdesk/pkg/tenant"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "supportdesk"

// formatVersion returns the version string with optional git commit
func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// formatBuildInfo returns build time and go version info
func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Fprintf(w, "  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Fprintf(w, "  Go: %s\n", goVer)
	}
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("SUPPORTDESK_CONFIG")); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".supportdesk", "config.json")
}

// loadConfig reads the config and applies its log settings.
func loadConfig(path string, debug bool) (*config.Config, error) {
	if strings.TrimSpace(path) == "" {
		path = getConfigPath()
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	logger.SetOutput(os.Stderr, cfg.Log.JSON)
	level, ok := logger.ParseLevel(cfg.Log.Level)
	if !ok {
		logger.WarnCF("cli", "Unknown log level, using info", map[string]interface{}{"level": cfg.Log.Level})
	}
	if debug {
		level = logger.DEBUG
	}
	logger.SetLevel(level)
	return cfg, nil
}

// memoryConfig maps the config memory section onto the service config.
// Zero values fall back to the service defaults.
func memoryConfig(cfg *config.Config) memory.Config {
	mc := memory.Config{
		Workspace:         cfg.WorkspacePath(),
		DBPath:            cfg.DBPath(),
		CacheCapacity:     cfg.Memory.CacheCapacity,
		Retention:         time.Duration(cfg.Memory.RetentionDays) * 24 * time.Hour,
		CacheHorizon:      time.Duration(cfg.Memory.CacheHorizonMinutes) * time.Minute,
		HistoryMaxAgeDays: cfg.Memory.HistoryMaxAgeDays,
		AnalysisWindow:    cfg.Memory.AnalysisWindow,
		StoreTimeout:      time.Duration(cfg.Memory.StoreTimeoutMS) * time.Millisecond,
		SweepEveryWrites:  cfg.Memory.SweepEveryWrites,
	}
	if known := cfg.KnownTenants(); len(known) > 0 {
		mc.Registry = tenant.NewStaticRegistry(known)
	}
	return mc
}

func openMemory(cfg *config.Config) (*memory.Service, error) {
	svc, err := memory.NewService(memoryConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("initialize memory service: %w", err)
	}
	return svc, nil
}
