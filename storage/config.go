package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
)

// Disk backends accepted in Config.DiskBackend
const (
	DiskBackendFile = "file"
	DiskBackendMmap = "mmap"
)

// envPrefix prefixes every environment override read by LoadConfigFromEnv
const envPrefix = "PAGECACHE_"

// Config holds page cache configuration
type Config struct {
	// Buffer Pool Configuration
	BufferPoolSize uint32 `json:"buffer_pool_size" toml:"buffer_pool_size"` // Number of frames
	ReplacerK      int    `json:"replacer_k" toml:"replacer_k"`             // History depth for lru-k
	CacheReplacer  string `json:"cache_replacer" toml:"cache_replacer"`     // lru-k or lru

	// Disk Configuration
	DiskBackend      string `json:"disk_backend" toml:"disk_backend"` // file or mmap
	DataFile         string `json:"data_file" toml:"data_file"`
	MmapInitialPages int    `json:"mmap_initial_pages" toml:"mmap_initial_pages"`
	SyncWrites       bool   `json:"sync_writes" toml:"sync_writes"` // fsync every page write (file backend)

	// Observability
	EnableMetrics bool   `json:"enable_metrics" toml:"enable_metrics"`
	LogLevel      string `json:"log_level" toml:"log_level"`   // debug, info, warn, error
	LogFormat     string `json:"log_format" toml:"log_format"` // json or console
	LogOutput     string `json:"log_output" toml:"log_output"` // stderr, stdout or a file path

	// Background flusher
	FlusherEnabled   bool    `json:"flusher_enabled" toml:"flusher_enabled"`
	FlushInterval    string  `json:"flush_interval" toml:"flush_interval"` // Go duration, e.g. "100ms"
	TargetDirtyRatio float64 `json:"target_dirty_ratio" toml:"target_dirty_ratio"`
	MaxDirtyRatio    float64 `json:"max_dirty_ratio" toml:"max_dirty_ratio"`
	MinFlushPages    int     `json:"min_flush_pages" toml:"min_flush_pages"`
	MaxFlushPages    int     `json:"max_flush_pages" toml:"max_flush_pages"`

	// Read-ahead
	PrefetchEnabled   bool `json:"prefetch_enabled" toml:"prefetch_enabled"`
	PrefetchThreshold int  `json:"prefetch_threshold" toml:"prefetch_threshold"` // matching accesses before read-ahead
	PrefetchDistance  int  `json:"prefetch_distance" toml:"prefetch_distance"`   // pages read ahead at full confidence
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		BufferPoolSize:   100,
		ReplacerK:        DefaultReplacerK,
		CacheReplacer:    ReplacerLRUK,
		DiskBackend:      DiskBackendFile,
		DataFile:         "./data/pages.db",
		MmapInitialPages: DefaultMmapInitialPages,
		SyncWrites:       false,
		EnableMetrics:    true,
		LogLevel:         "info",
		LogFormat:        "json",
		LogOutput:        "stderr",
		FlusherEnabled:   false,
		FlushInterval:    "100ms",
		TargetDirtyRatio: 0.3,
		MaxDirtyRatio:    0.7,
		MinFlushPages:    1,
		MaxFlushPages:    100,

		PrefetchEnabled:   false,
		PrefetchThreshold: defaultPrefetchThreshold,
		PrefetchDistance:  defaultPrefetchDistance,
	}
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// LoadConfigFromFile loads configuration from a TOML (.toml) or JSON file.
// Keys missing from the file keep their default values.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if isTOML(path) {
		err = toml.Unmarshal(data, config)
	} else {
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// LoadConfigFromEnv loads configuration from PAGECACHE_* environment variables.
// Unset or unparsable variables leave the default in place.
func LoadConfigFromEnv() *Config {
	config := DefaultConfig()
	config.applyEnv()
	return config
}

func (c *Config) applyEnv() {
	envUint32("BUFFER_POOL_SIZE", &c.BufferPoolSize)
	envInt("REPLACER_K", &c.ReplacerK)
	envString("CACHE_REPLACER", &c.CacheReplacer)

	envString("DISK_BACKEND", &c.DiskBackend)
	envString("DATA_FILE", &c.DataFile)
	envInt("MMAP_INITIAL_PAGES", &c.MmapInitialPages)
	envBool("SYNC_WRITES", &c.SyncWrites)

	envBool("ENABLE_METRICS", &c.EnableMetrics)
	envString("LOG_LEVEL", &c.LogLevel)
	envString("LOG_FORMAT", &c.LogFormat)
	envString("LOG_OUTPUT", &c.LogOutput)

	envBool("FLUSHER_ENABLED", &c.FlusherEnabled)
	envString("FLUSH_INTERVAL", &c.FlushInterval)
	envFloat("TARGET_DIRTY_RATIO", &c.TargetDirtyRatio)
	envFloat("MAX_DIRTY_RATIO", &c.MaxDirtyRatio)
	envInt("MIN_FLUSH_PAGES", &c.MinFlushPages)
	envInt("MAX_FLUSH_PAGES", &c.MaxFlushPages)

	envBool("PREFETCH_ENABLED", &c.PrefetchEnabled)
	envInt("PREFETCH_THRESHOLD", &c.PrefetchThreshold)
	envInt("PREFETCH_DISTANCE", &c.PrefetchDistance)
}

func envString(key string, dst *string) {
	if val := os.Getenv(envPrefix + key); val != "" {
		*dst = val
	}
}

func envBool(key string, dst *bool) {
	if val := os.Getenv(envPrefix + key); val != "" {
		*dst = val == "true" || val == "1"
	}
}

func envInt(key string, dst *int) {
	if val := os.Getenv(envPrefix + key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envUint32(key string, dst *uint32) {
	if val := os.Getenv(envPrefix + key); val != "" {
		if n, err := strconv.ParseUint(val, 10, 32); err == nil {
			*dst = uint32(n)
		}
	}
}

func envFloat(key string, dst *float64) {
	if val := os.Getenv(envPrefix + key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			*dst = f
		}
	}
}

// SaveToFile writes the configuration as TOML (.toml) or indented JSON
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)
	if isTOML(path) {
		data, err = toml.Marshal(*c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetFlushInterval parses FlushInterval
func (c *Config) GetFlushInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.FlushInterval)
	if err != nil {
		return 0, ErrInvalidConfig("GetFlushInterval", fmt.Sprintf("bad flush interval %q", c.FlushInterval))
	}
	return d, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	const op = "Validate"

	if c.BufferPoolSize == 0 {
		return ErrInvalidConfig(op, "buffer pool size must be greater than 0")
	}

	switch c.CacheReplacer {
	case ReplacerLRUK, ReplacerLRU:
	default:
		return ErrInvalidConfig(op, fmt.Sprintf("unknown cache replacer %q (must be lru-k or lru)", c.CacheReplacer))
	}

	if c.CacheReplacer == ReplacerLRUK && c.ReplacerK <= 0 {
		return ErrInvalidConfig(op, "replacer k must be greater than 0")
	}

	switch c.DiskBackend {
	case DiskBackendFile, DiskBackendMmap:
	default:
		return ErrInvalidConfig(op, fmt.Sprintf("unknown disk backend %q (must be file or mmap)", c.DiskBackend))
	}

	if c.DataFile == "" {
		return ErrInvalidConfig(op, "data file cannot be empty")
	}

	if _, err := zapLevel(c.LogLevel); err != nil {
		return ErrInvalidConfig(op, fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel))
	}

	if c.FlusherEnabled {
		interval, err := c.GetFlushInterval()
		if err != nil {
			return err
		}
		if interval <= 0 {
			return ErrInvalidConfig(op, "flush interval must be positive")
		}
		if c.TargetDirtyRatio <= 0 || c.TargetDirtyRatio >= 1 {
			return ErrInvalidConfig(op, "target dirty ratio must be in (0, 1)")
		}
		if c.MaxDirtyRatio <= c.TargetDirtyRatio || c.MaxDirtyRatio > 1 {
			return ErrInvalidConfig(op, "max dirty ratio must be in (target dirty ratio, 1]")
		}
		if c.MinFlushPages <= 0 || c.MaxFlushPages < c.MinFlushPages {
			return ErrInvalidConfig(op, "flush page bounds must satisfy 0 < min <= max")
		}
	}

	if c.PrefetchEnabled && (c.PrefetchThreshold < 2 || c.PrefetchDistance <= 0) {
		return ErrInvalidConfig(op, "prefetch threshold must be at least 2 and distance positive")
	}

	return nil
}

// Clone creates a copy of the configuration
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
