// Package config loads and validates the YAML configuration of an index and
// turns it into index.Options.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dd0wney/cluso-index/pkg/index"
	"github.com/dd0wney/cluso-index/pkg/logging"
	"github.com/dd0wney/cluso-index/pkg/metrics"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// Config mirrors the configuration file. Keys left out of the file keep
// their defaults.
type Config struct {
	Directory                string  `yaml:"directory"`
	PTableVersion            int     `yaml:"ptable_version" validate:"min=1,max=4"`
	MaxSizeForMemory         int     `yaml:"max_size_for_memory" validate:"min=1"`
	MaxTablesPerLevel        int     `yaml:"max_tables_per_level" validate:"min=2"`
	MaxAutoMergeLevel        int     `yaml:"max_auto_merge_level" validate:"min=0"`
	PTableMaxReaderCount     int     `yaml:"ptable_max_reader_count" validate:"min=1"`
	PTableInitialReaderCount int     `yaml:"ptable_initial_reader_count" validate:"min=0"`
	IndexCacheDepth          int     `yaml:"index_cache_depth" validate:"min=8,max=28"`
	SkipIndexVerify          bool    `yaml:"skip_index_verify"`
	UseBloomFilter           bool    `yaml:"use_bloom_filter"`
	LRUCacheSize             int     `yaml:"lru_cache_size" validate:"min=0"`
	InitializationThreads    int     `yaml:"initialization_threads" validate:"min=1,max=256"`
	AdditionalReclaim        bool    `yaml:"additional_reclaim"`
	InMem                    bool    `yaml:"in_mem"`
	ScavengeEntriesPerSecond float64 `yaml:"scavenge_entries_per_second" validate:"min=0"`
	LogLevel                 string  `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn warning error"`
}

// Default returns the configuration used for keys a file does not set.
func Default() Config {
	d := index.DefaultOptions("")
	return Config{
		PTableVersion:            int(d.PTableVersion),
		MaxSizeForMemory:         d.MaxSizeForMemory,
		MaxTablesPerLevel:        d.MaxTablesPerLevel,
		MaxAutoMergeLevel:        d.MaxAutoMergeLevel,
		PTableMaxReaderCount:     d.PTableMaxReaderCount,
		PTableInitialReaderCount: d.PTableInitialReaderCount,
		IndexCacheDepth:          d.IndexCacheDepth,
		UseBloomFilter:           d.UseBloomFilter,
		LRUCacheSize:             d.LRUCacheSize,
		InitializationThreads:    d.InitializationThreads,
		LogLevel:                 "info",
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config %s: %w", path, err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML from r on top of Default, then validates it. Unknown
// keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero numeric and string fields from Default. Booleans
// are left alone since false is a legitimate setting.
func (c *Config) ApplyDefaults() {
	d := Default()
	if c.PTableVersion == 0 {
		c.PTableVersion = d.PTableVersion
	}
	if c.MaxSizeForMemory == 0 {
		c.MaxSizeForMemory = d.MaxSizeForMemory
	}
	if c.MaxTablesPerLevel == 0 {
		c.MaxTablesPerLevel = d.MaxTablesPerLevel
	}
	if c.PTableMaxReaderCount == 0 {
		c.PTableMaxReaderCount = d.PTableMaxReaderCount
	}
	if c.IndexCacheDepth == 0 {
		c.IndexCacheDepth = d.IndexCacheDepth
	}
	if c.InitializationThreads == 0 {
		c.InitializationThreads = d.InitializationThreads
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
}

// Validate checks struct tags first, then the rules that span fields.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config cannot be nil")
	}
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}

	return NewConfigValidator("index").
		When(!c.InMem, func(cv *ConfigValidator) {
			cv.Required("directory", c.Directory)
		}).
		AtMost("ptable_initial_reader_count", c.PTableInitialReaderCount,
			"ptable_max_reader_count", c.PTableMaxReaderCount).
		When(c.InMem, func(cv *ConfigValidator) {
			cv.Custom("additional_reclaim", func() error {
				if c.AdditionalReclaim {
					return errors.New("has no effect on an in-memory index")
				}
				return nil
			})
		}).
		Validate()
}

// Logger builds the stderr logger named by log_level.
func (c *Config) Logger() logging.Logger {
	return logging.NewStderrLogger(logging.ParseLevel(c.LogLevel))
}

// ScavengeLimiter returns a limiter for scavenge_entries_per_second, or nil
// when scavenges are not throttled.
func (c *Config) ScavengeLimiter() *rate.Limiter {
	if c.ScavengeEntriesPerSecond <= 0 {
		return nil
	}
	burst := int(c.ScavengeEntriesPerSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(c.ScavengeEntriesPerSecond), burst)
}

// IndexOptions converts the configuration. The log reader factory is left
// for the caller to set.
func (c *Config) IndexOptions(reg *metrics.Registry) index.Options {
	opts := index.DefaultOptions(c.Directory)
	version := byte(c.PTableVersion)

	opts.MemTableFactory = func() *index.MemTable { return index.NewMemTable(version) }
	opts.PTableVersion = version
	opts.MaxSizeForMemory = c.MaxSizeForMemory
	opts.MaxTablesPerLevel = c.MaxTablesPerLevel
	opts.MaxAutoMergeLevel = c.MaxAutoMergeLevel
	opts.PTableMaxReaderCount = c.PTableMaxReaderCount
	opts.PTableInitialReaderCount = c.PTableInitialReaderCount
	opts.IndexCacheDepth = c.IndexCacheDepth
	opts.SkipIndexVerify = c.SkipIndexVerify
	opts.UseBloomFilter = c.UseBloomFilter
	opts.LRUCacheSize = c.LRUCacheSize
	opts.InitializationThreads = c.InitializationThreads
	opts.AdditionalReclaim = c.AdditionalReclaim
	opts.InMem = c.InMem
	opts.ScavengeLimiter = c.ScavengeLimiter()
	opts.Logger = c.Logger()
	opts.Metrics = reg
	return opts
}
