package edgerouter

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigEnv names the environment variable holding the config path.
const ConfigEnv = "EDGEROUTER_CONFIG"

type Config struct {
	Server struct {
		Port                 int    `yaml:"port"`
		Origin               string `yaml:"origin"`
		Manifest             string `yaml:"manifest"`
		PreviewModeID        string `yaml:"previewModeId"`
		ExternalProxyTimeout string `yaml:"externalProxyTimeout"`
		MaxBodySize          string `yaml:"maxBodySize"`
	} `yaml:"server"`

	Storage struct {
		Kind string `yaml:"kind"`
		RAM  struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		Disk struct {
			Max  string `yaml:"max"`
			Path string `yaml:"path"`
		} `yaml:"disk"`
		S3 struct {
			Bucket    string `yaml:"bucket"`
			Prefix    string `yaml:"prefix"`
			Region    string `yaml:"region"`
			Endpoint  string `yaml:"endpoint"`
			PathStyle bool   `yaml:"pathStyle"`
		} `yaml:"s3"`
	} `yaml:"storage"`

	Tags struct {
		Kind string `yaml:"kind"`
		Path string `yaml:"path"`
	} `yaml:"tags"`

	Queue struct {
		Kind        string `yaml:"kind"`
		Shards      int    `yaml:"shards"`
		DedupWindow string `yaml:"dedupWindow"`
		Redis       struct {
			Addr      string `yaml:"addr"`
			Prefix    string `yaml:"prefix"`
			ClaimIdle string `yaml:"claimIdle"`
		} `yaml:"redis"`
	} `yaml:"queue"`

	Middleware struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"middleware"`

	Logging struct {
		Level         string `yaml:"level"`
		Pretty        bool   `yaml:"pretty"`
		LogStatsEvery string `yaml:"logStatsEvery"`
	} `yaml:"logging"`

	Metrics struct {
		Namespace string `yaml:"namespace"`
	} `yaml:"metrics"`

	Warmup struct {
		Enabled      bool     `yaml:"enabled"`
		Sitemaps     []string `yaml:"sitemaps"`
		InitialDelay string   `yaml:"initialDelay"`
		Every        string   `yaml:"every"`
	} `yaml:"warmup"`

	// compiled
	ramBytes          int64
	diskBytes         int64
	maxBodyBytes      int64
	externalTimeout   time.Duration
	middlewareTimeout time.Duration
	dedupWindow       time.Duration
	claimIdle         time.Duration
	logStatsEveryDur  time.Duration
	warmupDelayDur    time.Duration
	warmupEveryDur    time.Duration
}

// LoadConfig reads and validates the YAML config at path.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig applies defaults and compiles sizes and durations.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) compile() error {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")
	if u, err := url.Parse(c.Server.Origin); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server.origin must be an absolute URL, got %q", c.Server.Origin)
	}
	if c.Server.Manifest == "" {
		return fmt.Errorf("server.manifest is required")
	}

	setDefault(&c.Storage.Kind, "tiered")
	setDefault(&c.Storage.RAM.Max, "64mb")
	setDefault(&c.Storage.Disk.Max, "1gb")
	setDefault(&c.Storage.Disk.Path, "./data/leveldb")
	setDefault(&c.Tags.Kind, "sqlite")
	setDefault(&c.Tags.Path, "./data/tags.db")
	setDefault(&c.Queue.Kind, "memory")
	setDefault(&c.Queue.Redis.Prefix, "edgerouter")
	setDefault(&c.Logging.Level, "info")
	setDefault(&c.Metrics.Namespace, "edgerouter")
	setDefault(&c.Server.MaxBodySize, "10mb")
	if c.Queue.Shards <= 0 {
		c.Queue.Shards = 4
	}

	switch c.Storage.Kind {
	case "tiered", "memory":
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for storage.kind s3")
		}
	default:
		return fmt.Errorf("storage.kind: unknown %q", c.Storage.Kind)
	}
	switch c.Tags.Kind {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("tags.kind: unknown %q", c.Tags.Kind)
	}
	switch c.Queue.Kind {
	case "memory":
	case "redis":
		if c.Queue.Redis.Addr == "" {
			return fmt.Errorf("queue.redis.addr is required for queue.kind redis")
		}
	default:
		return fmt.Errorf("queue.kind: unknown %q", c.Queue.Kind)
	}

	var err error
	if c.ramBytes, err = parseBytes(c.Storage.RAM.Max); err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	if c.diskBytes, err = parseBytes(c.Storage.Disk.Max); err != nil {
		return fmt.Errorf("storage.disk.max: %w", err)
	}
	if c.maxBodyBytes, err = parseBytes(c.Server.MaxBodySize); err != nil {
		return fmt.Errorf("server.maxBodySize: %w", err)
	}

	durations := []struct {
		field string
		raw   string
		def   time.Duration
		out   *time.Duration
	}{
		{"server.externalProxyTimeout", c.Server.ExternalProxyTimeout, 30 * time.Second, &c.externalTimeout},
		{"middleware.timeout", c.Middleware.Timeout, 5 * time.Second, &c.middlewareTimeout},
		{"queue.dedupWindow", c.Queue.DedupWindow, 5 * time.Minute, &c.dedupWindow},
		{"queue.redis.claimIdle", c.Queue.Redis.ClaimIdle, time.Minute, &c.claimIdle},
		{"logging.logStatsEvery", c.Logging.LogStatsEvery, 0, &c.logStatsEveryDur},
		{"warmup.initialDelay", c.Warmup.InitialDelay, 0, &c.warmupDelayDur},
		{"warmup.every", c.Warmup.Every, 0, &c.warmupEveryDur},
	}
	for _, d := range durations {
		if d.raw == "" {
			*d.out = d.def
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.field, err)
		}
		if v < 0 {
			return fmt.Errorf("%s: negative duration", d.field)
		}
		*d.out = v
	}
	return nil
}

func setDefault(s *string, def string) {
	if strings.TrimSpace(*s) == "" {
		*s = def
	}
}
