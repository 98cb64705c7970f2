package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration loaded from config.yaml.
type Config struct {
	WatchFolders  []WatchFolder `yaml:"watch_folders"  json:"watch_folders"`
	BackupDir     string        `yaml:"backup_dir"     json:"backup_dir"`
	QuarantineDir string        `yaml:"quarantine_dir" json:"quarantine_dir"`
	DBPath        string        `yaml:"db_path"        json:"-"`
	HTTPAddr      string        `yaml:"http_addr"      json:"-"`
	Schedule      string        `yaml:"schedule"       json:"schedule"`
	Workers       int           `yaml:"workers"        json:"workers"`
	ScanWalkers   int           `yaml:"scan_walkers"   json:"scan_walkers"`
	DebounceMs    int           `yaml:"debounce_ms"    json:"debounce_ms"`
	StableWaitMs  int           `yaml:"stable_wait_ms" json:"stable_wait_ms"`
	RetryFailed   bool          `yaml:"retry_failed"   json:"retry_failed"`
	LogLevel      string        `yaml:"log_level"      json:"-"`
	Detection     Detection     `yaml:"detection"      json:"detection"`
}

// WatchFolder is one monitored directory tree.
type WatchFolder struct {
	Path    string `yaml:"path"    json:"path"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
}

// Detection holds the tracking-dot detection parameters handed to the pixel
// cleaning pass. Hue uses the 0-179 half-degree scale; saturation and value
// are 0-255.
type Detection struct {
	// Disabled turns the pixel pass off; metadata stripping still runs.
	// Inverted so the zero value keeps detection on.
	Disabled         bool `yaml:"disabled"           json:"disabled"`
	HueCenter        int  `yaml:"hue_center"         json:"hue_center"`
	HueTolerance     int  `yaml:"hue_tolerance"      json:"hue_tolerance"`
	MinSaturation    int  `yaml:"min_saturation"     json:"min_saturation"`
	MinValue         int  `yaml:"min_value"          json:"min_value"`
	MedianBlurKernel int  `yaml:"median_blur_kernel" json:"median_blur_kernel"`
	MorphKernel      int  `yaml:"morph_kernel"       json:"morph_kernel"`
	MorphIterations  int  `yaml:"morph_iterations"   json:"morph_iterations"`
}

// applyDefaults fills zero/empty fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.BackupDir == "" {
		c.BackupDir = "/data/backups"
	}
	if c.QuarantineDir == "" {
		c.QuarantineDir = "/data/quarantine"
	}
	if c.DBPath == "" {
		c.DBPath = "/data/aegis.db"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.Schedule == "" {
		c.Schedule = "@every 5m"
	}
	if c.Workers == 0 {
		c.Workers = 3
	}
	if c.ScanWalkers == 0 {
		c.ScanWalkers = 4
	}
	if c.DebounceMs == 0 {
		c.DebounceMs = 500
	}
	if c.StableWaitMs == 0 {
		c.StableWaitMs = 2000
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	d := &c.Detection
	if d.HueCenter == 0 {
		d.HueCenter = 60
	}
	if d.HueTolerance == 0 {
		d.HueTolerance = 25
	}
	if d.MinSaturation == 0 {
		d.MinSaturation = 40
	}
	if d.MinValue == 0 {
		d.MinValue = 40
	}
	if d.MedianBlurKernel == 0 {
		d.MedianBlurKernel = 5
	}
	if d.MorphKernel == 0 {
		d.MorphKernel = 3
	}
	if d.MorphIterations == 0 {
		d.MorphIterations = 2
	}
}

// EnabledFolders returns the paths of all enabled watch folders.
func (c *Config) EnabledFolders() []string {
	var out []string
	for _, f := range c.WatchFolders {
		if f.Enabled {
			out = append(out, f.Path)
		}
	}
	return out
}

// Load reads and parses the YAML config file at path.
// If the file does not exist, Load returns a default Config so the daemon
// can start without a mounted config file (useful for bare Docker runs).
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		var cfg Config
		cfg.applyDefaults()
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}
