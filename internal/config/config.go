// Package config loads smpcache settings from JSON-with-comments files.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/natefinch/atomic"
	"github.com/sirupsen/logrus"
	"github.com/tailscale/hujson"
)

// FileName is the project config file looked up in the working directory.
const FileName = ".smpcache.json"

// MaxWorkers bounds the number of workers sharing one set of segments.
const MaxWorkers = 128

const filePerms = 0o644

// Config holds all configuration options.
type Config struct {
	// Shared segments
	SegmentDir    string `json:"segment_dir"`
	Name          string `json:"name"`
	Workers       int    `json:"workers"`
	WorkerID      int    `json:"worker_id"`
	Anchors       int    `json:"anchors"`
	Slots         int    `json:"slots"`
	SlotSize      int    `json:"slot_size"`
	QueueCapacity int    `json:"queue_capacity"`

	// Store policy
	CollapsedForwarding   bool     `json:"collapsed_forwarding"`
	MaxObjectSize         int64    `json:"max_object_size"`
	MinObjectSize         int64    `json:"min_object_size"`
	MaxInMemObjSize       int64    `json:"max_in_mem_obj_size"`
	MemCacheSize          int64    `json:"mem_cache_size"`
	QuickAbortMin         int64    `json:"quick_abort_min"`
	QuickAbortMax         int64    `json:"quick_abort_max"`
	QuickAbortPct         int      `json:"quick_abort_pct"`
	CollapsedPollInterval Duration `json:"collapsed_poll_interval"`

	// Logging
	LogLevel      string `json:"log_level"`
	LogFile       string `json:"log_file,omitempty"`
	LogMaxSize    int    `json:"log_max_size"`
	LogMaxBackups int    `json:"log_max_backups"`
	LogCompress   bool   `json:"log_compress"`

	// Resolved paths (computed, not serialized)
	EffectiveCwd  string `json:"-"`
	SegmentDirAbs string `json:"-"`

	// Sources tracks which config files were loaded (for diagnostics)
	Sources Sources `json:"-"`
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project or explicit config if loaded, empty otherwise
}

// Duration is a time.Duration written as a string like "1s" in config files.
type Duration time.Duration

// MarshalJSON implements [json.Marshaler].
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements [json.Unmarshaler].
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string

	err := json.Unmarshal(b, &s)
	if err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}

	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}

	*d = Duration(v)

	return nil
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		SegmentDir:            ".smpcache",
		Name:                  "cache",
		Workers:               1,
		Slots:                 1024,
		SlotSize:              16 * 1024,
		QueueCapacity:         1024,
		CollapsedForwarding:   true,
		MaxObjectSize:         4 << 20,
		MaxInMemObjSize:       512 << 10,
		QuickAbortMin:         16,
		QuickAbortMax:         16,
		QuickAbortPct:         95,
		CollapsedPollInterval: Duration(time.Second),
		LogLevel:              "info",
		LogMaxSize:            100,
		LogMaxBackups:         3,
	}
}

// Path returns the path prefix of a shared segment set, e.g. "db" or "queue".
func (c Config) Path(part string) string {
	return filepath.Join(c.SegmentDirAbs, c.Name+"."+part)
}

// globalPath returns $XDG_CONFIG_HOME/smpcache/config.json, falling back to
// ~/.config. Returns empty string if neither is known.
func globalPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "smpcache", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "smpcache", "config.json")
	}

	return ""
}

// Overrides are values given on the command line. Zero values mean unset.
type Overrides struct {
	SegmentDir string
	WorkerID   *int
}

// LoadInput holds the inputs for [Load].
type LoadInput struct {
	WorkDir    string            // if empty, os.Getwd() is used
	ConfigPath string            // -c/--config flag value
	Overrides  Overrides         // --dir, --worker
	Env        map[string]string // environment variables
}

// Load loads configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config ($XDG_CONFIG_HOME/smpcache/config.json)
// 3. Project config file (.smpcache.json, if exists)
// 4. Explicit config file via ConfigPath, which replaces the project file
// 5. CLI overrides.
func Load(input LoadInput) (Config, error) {
	workDir := input.WorkDir
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	cfg := Default()

	if path := globalPath(input.Env); path != "" {
		loaded, err := overlayFile(&cfg, path, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg.Sources.Global = path
		}
	}

	path, mustExist := filepath.Join(workDir, FileName), false
	if input.ConfigPath != "" {
		path, mustExist = input.ConfigPath, true
		if !filepath.IsAbs(path) {
			path = filepath.Join(workDir, path)
		}
	}

	loaded, err := overlayFile(&cfg, path, mustExist)
	if err != nil {
		return Config{}, err
	}

	if loaded {
		cfg.Sources.Project = path
	}

	if input.Overrides.SegmentDir != "" {
		cfg.SegmentDir = input.Overrides.SegmentDir
	}

	if input.Overrides.WorkerID != nil {
		cfg.WorkerID = *input.Overrides.WorkerID
	}

	err = Validate(cfg)
	if err != nil {
		return Config{}, err
	}

	cfg.EffectiveCwd = workDir

	cfg.SegmentDirAbs = cfg.SegmentDir
	if !filepath.IsAbs(cfg.SegmentDirAbs) {
		cfg.SegmentDirAbs = filepath.Join(workDir, cfg.SegmentDirAbs)
	}

	return cfg, nil
}

// overlayFile decodes the file at path over cfg. Keys missing from the file
// keep their current value. Missing optional files are not an error.
func overlayFile(cfg *Config, path string, mustExist bool) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return false, nil
		}

		if os.IsNotExist(err) {
			return false, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
		}

		return false, fmt.Errorf("%w %s: %w", ErrConfigFileRead, path, err)
	}

	err = Parse(data, cfg)
	if err != nil {
		return false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return true, nil
}

// Parse decodes JSONC data over cfg. Unknown keys are rejected.
func Parse(data []byte, cfg *Config) error {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fmt.Errorf("invalid JSONC: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.DisallowUnknownFields()

	err = dec.Decode(cfg)
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	return nil
}

// Validate checks cross-field constraints.
func Validate(cfg Config) error {
	if cfg.SegmentDir == "" {
		return ErrSegmentDirEmpty
	}

	if cfg.Name == "" || cfg.Name != filepath.Base(cfg.Name) || strings.HasPrefix(cfg.Name, ".") {
		return fmt.Errorf("%w: %q", ErrNameInvalid, cfg.Name)
	}

	if cfg.Workers < 1 || cfg.Workers > MaxWorkers {
		return fmt.Errorf("%w: %d (1..%d)", ErrWorkersRange, cfg.Workers, MaxWorkers)
	}

	if cfg.WorkerID < 0 || cfg.WorkerID >= cfg.Workers {
		return fmt.Errorf("%w: %d (0..%d)", ErrWorkerIDRange, cfg.WorkerID, cfg.Workers-1)
	}

	switch {
	case cfg.Slots < 1:
		return fmt.Errorf("%w: slots %d", ErrSizeInvalid, cfg.Slots)
	case cfg.Anchors < 0:
		return fmt.Errorf("%w: anchors %d", ErrSizeInvalid, cfg.Anchors)
	case cfg.SlotSize < 512:
		return fmt.Errorf("%w: slot_size %d (min 512)", ErrSizeInvalid, cfg.SlotSize)
	case cfg.QueueCapacity < 1:
		return fmt.Errorf("%w: queue_capacity %d", ErrSizeInvalid, cfg.QueueCapacity)
	case cfg.MaxObjectSize <= 0:
		return fmt.Errorf("%w: max_object_size %d", ErrSizeInvalid, cfg.MaxObjectSize)
	case cfg.MinObjectSize < 0 || cfg.MinObjectSize > cfg.MaxObjectSize:
		return fmt.Errorf("%w: min_object_size %d", ErrSizeInvalid, cfg.MinObjectSize)
	case cfg.MaxInMemObjSize < 0 || cfg.MemCacheSize < 0:
		return fmt.Errorf("%w: memory limits must not be negative", ErrSizeInvalid)
	case cfg.QuickAbortPct < 0 || cfg.QuickAbortPct > 100:
		return fmt.Errorf("%w: quick_abort_pct %d", ErrSizeInvalid, cfg.QuickAbortPct)
	case cfg.CollapsedPollInterval < 0:
		return fmt.Errorf("%w: collapsed_poll_interval", ErrSizeInvalid)
	case cfg.LogMaxSize < 0 || cfg.LogMaxBackups < 0:
		return fmt.Errorf("%w: log rotation limits must not be negative", ErrSizeInvalid)
	}

	_, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrLogLevelInvalid, cfg.LogLevel)
	}

	return nil
}

// Format returns the config as formatted JSON.
func Format(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format config: %w", err)
	}

	return string(data), nil
}

// Save writes cfg to path atomically.
func Save(path string, cfg Config) error {
	content, err := Format(cfg)
	if err != nil {
		return err
	}

	err = atomic.WriteFile(path, strings.NewReader(content+"\n"))
	if err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	// atomic.WriteFile doesn't set permissions for new files
	err = os.Chmod(path, filePerms)
	if err != nil {
		return fmt.Errorf("failed to set file permissions: %w", err)
	}

	return nil
}
