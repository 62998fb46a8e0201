// Package config loads the simulator's geometry and tunable thresholds
// from YAML.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/flashsim/dftl/internal/dftl/geometry"
)

// Config is the full set of tunables for one namespace.
type Config struct {
	Geometry geometry.Geometry `yaml:"geometry"`

	GCThresLines      int `yaml:"gc_thres_lines"`
	GCThresLinesHigh  int `yaml:"gc_thres_lines_high"`
	GCForegroundIters int `yaml:"gc_foreground_iters"`

	CMTCapacity int `yaml:"cmt_capacity"` // cmt.tt_tpgs

	Partitions int `yaml:"ssd_partitions"`

	WearLeveling WearLevelingConfig `yaml:"wear_leveling"`

	EnableGCDelay        bool `yaml:"enable_gc_delay"`
	WriteEarlyCompletion bool `yaml:"write_early_completion"`

	FW4KBReadLatencyNS uint64 `yaml:"fw_4kb_rd_lat_ns"`
	FWReadLatencyNS    uint64 `yaml:"fw_rd_lat_ns"`

	NAND nandLatencyConfig `yaml:"nand"`

	WriteBufferBytes           int     `yaml:"write_buffer_bytes"`
	WriteBufferBandwidthNSPerB float64 `yaml:"write_buffer_bandwidth_ns_per_byte"`

	// Debug gates internal invariant checks that would otherwise surface as
	// plain errors: set it to turn InvalidStateTransition-class bugs into
	// immediate panics during development.
	Debug bool `yaml:"debug"`
}

// WearLevelingConfig holds DO_WL and the three dual-pool thresholds.
type WearLevelingConfig struct {
	Enabled              bool   `yaml:"enabled"`
	RunAfterGC           bool   `yaml:"run_after_gc"`
	ThHotPoolAdjustment  uint64 `yaml:"th_hot_pool_adjustment"`
	ThColdPoolAdjustment uint64 `yaml:"th_cold_pool_adjustment"`
	ThColdDataMigration  uint64 `yaml:"th_cold_data_migration"`
}

type nandLatencyConfig struct {
	ReadLatencyNS  uint64 `yaml:"read_latency_ns"`
	WriteLatencyNS uint64 `yaml:"write_latency_ns"`
	EraseLatencyNS uint64 `yaml:"erase_latency_ns"`
}

// DefaultConfig is a small single-channel geometry suitable for
// experiments and tests.
func DefaultConfig() Config {
	return Config{
		Geometry: geometry.Geometry{
			Channels:             1,
			LunsPerCh:            1,
			PlanesPerLun:         1,
			BlocksPerPlane:       8,
			PagesPerBlock:        16,
			PagesPerOneshot:      4,
			SectorsPerPage:       8,
			PageSize:             4096,
			MapEntriesPerPage:    512,
			OverProvisionPercent: 0.1,
		},
		GCThresLines:      8,
		GCThresLinesHigh:  8,
		GCForegroundIters: 4,
		CMTCapacity:       2,
		Partitions:        1,
		WearLeveling: WearLevelingConfig{
			Enabled:              false,
			RunAfterGC:           false,
			ThHotPoolAdjustment:  100,
			ThColdPoolAdjustment: 100,
			ThColdDataMigration:  50,
		},
		EnableGCDelay:        true,
		WriteEarlyCompletion: true,
		FW4KBReadLatencyNS:   20000,
		FWReadLatencyNS:      50000,
		NAND: nandLatencyConfig{
			ReadLatencyNS:  40000,
			WriteLatencyNS: 200000,
			EraseLatencyNS: 2000000,
		},
		WriteBufferBytes:           1 << 20,
		WriteBufferBandwidthNSPerB: 0.01,
	}
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save serializes cfg as YAML to path.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
