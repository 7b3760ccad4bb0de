package idm

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

const envPrefix = "IDM_"

// Config holds the settings that can come from a YAML file or from IDM_*
// environment variables. Zero values mean "not set".
type Config struct {
	OutputDir            string
	ConcurrencyPerServer int
	MaxBytesPerSecond    int64
	ChunkSize            uint64
	PartitionSize        uint64
	Timeout              time.Duration
	WaitRetry            time.Duration
	RoundTimeout         time.Duration
	MaxRetries           uint
	MaxStalledRounds     int
	Restart              bool
}

// yamlConfig is used for YAML unmarshaling with human sizes and durations.
type yamlConfig struct {
	OutputDir            string `yaml:"output_dir"`
	ConcurrencyPerServer int    `yaml:"concurrency_per_server"`
	MaxBytesPerSecond    string `yaml:"max_bytes_per_second"`
	ChunkSize            string `yaml:"chunk_size"`
	PartitionSize        uint64 `yaml:"partition_size"`
	Timeout              string `yaml:"timeout"`
	WaitRetry            string `yaml:"wait_retry"`
	RoundTimeout         string `yaml:"round_timeout"`
	MaxRetries           uint   `yaml:"max_retries"`
	MaxStalledRounds     int    `yaml:"max_stalled_rounds"`
	Restart              bool   `yaml:"restart"`
}

// ParseBytes parses sizes such as 4096 or 4KB (units are powers of 1024).
func ParseBytes(s string) (uint64, error) {
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return v.Bytes(), nil
}

// ParseRate parses a download limit in bytes per second, accepting the same
// sizes as ParseBytes.
func ParseRate(s string) (int64, error) {
	n, err := ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("invalid rate %q: more than %d bytes per second", s, int64(math.MaxInt64))
	}
	return int64(n), nil
}

// LoadConfigFile loads configuration from a YAML file.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	c := Config{
		OutputDir:            yc.OutputDir,
		ConcurrencyPerServer: yc.ConcurrencyPerServer,
		PartitionSize:        yc.PartitionSize,
		MaxRetries:           yc.MaxRetries,
		MaxStalledRounds:     yc.MaxStalledRounds,
		Restart:              yc.Restart,
	}
	if yc.MaxBytesPerSecond != "" {
		if c.MaxBytesPerSecond, err = ParseRate(yc.MaxBytesPerSecond); err != nil {
			return Config{}, fmt.Errorf("parse max_bytes_per_second: %w", err)
		}
	}
	if yc.ChunkSize != "" {
		if c.ChunkSize, err = ParseBytes(yc.ChunkSize); err != nil {
			return Config{}, fmt.Errorf("parse chunk_size: %w", err)
		}
	}
	for _, d := range []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"timeout", yc.Timeout, &c.Timeout},
		{"wait_retry", yc.WaitRetry, &c.WaitRetry},
		{"round_timeout", yc.RoundTimeout, &c.RoundTimeout},
	} {
		if d.src == "" {
			continue
		}
		if *d.dst, err = time.ParseDuration(d.src); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.name, err)
		}
	}
	return c, nil
}

// LoadFromEnv overrides c with IDM_* environment variables.
func (c *Config) LoadFromEnv() error {
	env := func(k string) string { return os.Getenv(envPrefix + k) }
	if v := env("OUTPUT_DIR"); v != "" {
		c.OutputDir = v
	}
	if v := env("CONCURRENCY_PER_SERVER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %sCONCURRENCY_PER_SERVER: %w", envPrefix, err)
		}
		c.ConcurrencyPerServer = n
	}
	if v := env("MAX_BYTES_PER_SECOND"); v != "" {
		n, err := ParseRate(v)
		if err != nil {
			return fmt.Errorf("parse %sMAX_BYTES_PER_SECOND: %w", envPrefix, err)
		}
		c.MaxBytesPerSecond = n
	}
	if v := env("CHUNK_SIZE"); v != "" {
		n, err := ParseBytes(v)
		if err != nil {
			return fmt.Errorf("parse %sCHUNK_SIZE: %w", envPrefix, err)
		}
		c.ChunkSize = n
	}
	if v := env("PARTITION_SIZE"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("parse %sPARTITION_SIZE: %w", envPrefix, err)
		}
		c.PartitionSize = n
	}
	if v := env("MAX_RETRIES"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("parse %sMAX_RETRIES: %w", envPrefix, err)
		}
		c.MaxRetries = uint(n)
	}
	if v := env("MAX_STALLED_ROUNDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %sMAX_STALLED_ROUNDS: %w", envPrefix, err)
		}
		c.MaxStalledRounds = n
	}
	if v := env("RESTART"); v != "" {
		c.Restart = v == "true" || v == "1"
	}
	for k, dst := range map[string]*time.Duration{
		"TIMEOUT":       &c.Timeout,
		"WAIT_RETRY":    &c.WaitRetry,
		"ROUND_TIMEOUT": &c.RoundTimeout,
	} {
		v := env(k)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %s%s: %w", envPrefix, k, err)
		}
		*dst = d
	}
	return nil
}

// Validate rejects negative settings.
func (c Config) Validate() error {
	if c.ConcurrencyPerServer < 0 {
		return errors.New("config: concurrency_per_server must not be negative")
	}
	if c.MaxBytesPerSecond < 0 {
		return errors.New("config: max_bytes_per_second must not be negative")
	}
	if c.MaxStalledRounds < 0 {
		return errors.New("config: max_stalled_rounds must not be negative")
	}
	if c.Timeout < 0 || c.WaitRetry < 0 || c.RoundTimeout < 0 {
		return errors.New("config: durations must not be negative")
	}
	return nil
}

// Apply copies the settings that are set into d.
func (c Config) Apply(d *Downloader) {
	if c.OutputDir != "" {
		d.OutputDir = c.OutputDir
	}
	if c.ConcurrencyPerServer != 0 {
		d.ConcurrencyPerServer = c.ConcurrencyPerServer
	}
	if c.MaxBytesPerSecond != 0 {
		d.MaxBytesPerSecond = c.MaxBytesPerSecond
	}
	if c.ChunkSize != 0 {
		d.ChunkSize = c.ChunkSize
	}
	if c.PartitionSize != 0 {
		d.PartitionSize = c.PartitionSize
	}
	if c.Timeout != 0 {
		d.Timeout = c.Timeout
	}
	if c.WaitRetry != 0 {
		d.WaitRetry = c.WaitRetry
	}
	if c.RoundTimeout != 0 {
		d.RoundTimeout = c.RoundTimeout
	}
	if c.MaxRetries != 0 {
		d.MaxRetries = c.MaxRetries
	}
	if c.MaxStalledRounds != 0 {
		d.MaxStalledRounds = c.MaxStalledRounds
	}
	if c.Restart {
		d.Restart = true
	}
}
