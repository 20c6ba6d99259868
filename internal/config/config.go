// Package config loads the host configuration from YAML. Missing fields fall
// back to defaults; Normalize clamps odd values and Validate rejects the
// unusable ones.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Simulation cadence.
	TickRate   int `yaml:"tick_rate"`   // ticks per second
	TickBudget int `yaml:"tick_budget"` // per-tick frame budget, milliseconds

	// Maintenance cadence.
	MaintenanceEveryMS int `yaml:"maintenance_every_ms"`
	MaintenanceBudget  int `yaml:"maintenance_budget_ms"`
	ValidateEvery      int `yaml:"validate_every"` // frames between scheduled validations

	// State store.
	ChunkSize         int `yaml:"chunk_size"`
	CompressThreshold int `yaml:"compress_threshold"`

	// Swap pipeline.
	SwapPhaseBudgetMS int `yaml:"swap_phase_budget_ms"` // 0 disables deferral

	// Paths.
	DataDir     string `yaml:"data_dir"`
	ManifestDir string `yaml:"manifest_dir"`
	IndexDBPath string `yaml:"index_db_path"`

	// Listeners.
	ListenAddr  string `yaml:"listen_addr"`  // ws status stream + admin
	MetricsAddr string `yaml:"metrics_addr"` // prometheus
}

func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		TickRate:           20,
		TickBudget:         40,
		MaintenanceEveryMS: 500,
		MaintenanceBudget:  20,
		ValidateEvery:      300,
		ChunkSize:          4096,
		CompressThreshold:  1024,
		SwapPhaseBudgetMS:  0,
		DataDir:            "data",
		ManifestDir:        "modules",
		ListenAddr:         ":8080",
		MetricsAddr:        ":9090",
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	if c.TickRate <= 0 {
		c.TickRate = 20
	}
	if c.TickBudget <= 0 {
		c.TickBudget = 1000 / c.TickRate
	}
	if c.MaintenanceEveryMS <= 0 {
		c.MaintenanceEveryMS = 500
	}
	if c.MaintenanceBudget <= 0 {
		c.MaintenanceBudget = 20
	}
	if c.ValidateEvery <= 0 {
		c.ValidateEvery = 300
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 4096
	}
	if c.CompressThreshold <= 0 {
		c.CompressThreshold = 1024
	}
	if c.SwapPhaseBudgetMS < 0 {
		c.SwapPhaseBudgetMS = 0
	}
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if strings.TrimSpace(c.IndexDBPath) == "" {
		c.IndexDBPath = c.DataDir + "/index.db"
	}
}

func (c Config) Validate() error {
	if c.TickRate > 1000 {
		return fmt.Errorf("tick_rate %d exceeds 1000", c.TickRate)
	}
	if c.CompressThreshold > c.ChunkSize {
		return fmt.Errorf("compress_threshold %d exceeds chunk_size %d",
			c.CompressThreshold, c.ChunkSize)
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.ListenAddr == c.MetricsAddr {
		return fmt.Errorf("listen_addr and metrics_addr collide: %s", c.ListenAddr)
	}
	return nil
}

// TickInterval is the wall-clock time between simulation ticks.
func (c Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}

// MaintenanceInterval is the wall-clock time between maintenance passes.
func (c Config) MaintenanceInterval() time.Duration {
	return time.Duration(c.MaintenanceEveryMS) * time.Millisecond
}

// MaintenanceBudgetDuration bounds one maintenance pass.
func (c Config) MaintenanceBudgetDuration() time.Duration {
	return time.Duration(c.MaintenanceBudget) * time.Millisecond
}

// SwapPhaseBudget bounds pre-migration swap phases; zero disables deferral.
func (c Config) SwapPhaseBudget() time.Duration {
	return time.Duration(c.SwapPhaseBudgetMS) * time.Millisecond
}
