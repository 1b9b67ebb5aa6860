// Package config loads worker settings from an optional YAML file, a .env
// file and TOOLRUNNER_* environment variables, in that order of precedence
// (environment wins).
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"forgescan/tool-runner/internal/observability"
	"forgescan/tool-runner/internal/security"
)

type Config struct {
	Worker    WorkerConfig                `yaml:"worker"`
	Limits    LimitsConfig                `yaml:"limits"`
	Sandbox   SandboxConfig               `yaml:"sandbox"`
	Queue     QueueConfig                 `yaml:"queue"`
	Reporter  ReporterConfig              `yaml:"reporter"`
	Manifests ManifestsConfig             `yaml:"manifests"`
	HTTP      HTTPConfig                  `yaml:"http"`
	Log       LogConfig                   `yaml:"log"`
	Tracing   observability.TracingConfig `yaml:"tracing"`
}

type WorkerConfig struct {
	ID          string `yaml:"id"`
	Concurrency int    `yaml:"concurrency"`
	// RateLimit jobs may start per RateWindow.
	RateLimit     int           `yaml:"rate_limit"`
	RateWindow    time.Duration `yaml:"rate_window"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

type LimitsConfig struct {
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	MaxTimeout      time.Duration `yaml:"max_timeout"`
	DefaultMemoryMB int64         `yaml:"default_memory_mb"`
	MaxMemoryMB     int64         `yaml:"max_memory_mb"`
	DefaultCPUs     float64       `yaml:"default_cpus"`
	MaxCPUs         float64       `yaml:"max_cpus"`
	MaxPids         int64         `yaml:"max_pids"`
}

type SandboxConfig struct {
	Backend        string        `yaml:"backend"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
	CreateAttempts uint          `yaml:"create_attempts"`
	Docker         DockerConfig  `yaml:"docker"`
	Process        ProcessConfig `yaml:"process"`
}

type DockerConfig struct {
	Host              string `yaml:"host"`
	User              string `yaml:"user"`
	RestrictedNetwork string `yaml:"restricted_network"`
	TmpfsSize         string `yaml:"tmpfs_size"`
}

type ProcessConfig struct {
	Bwrap            string `yaml:"bwrap"`
	RequireIsolation bool   `yaml:"require_isolation"`
}

type QueueConfig struct {
	Driver string      `yaml:"driver"`
	Redis  RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	URL        string        `yaml:"url"`
	Password   string        `yaml:"password"`
	JobsKey    string        `yaml:"jobs_key"`
	Prefix     string        `yaml:"prefix"`
	RecentSize int           `yaml:"recent_size"`
	Retention  time.Duration `yaml:"retention"`
	// LeaseTTL is how long a silent worker keeps its in-flight jobs before
	// other workers requeue them.
	LeaseTTL time.Duration `yaml:"lease_ttl"`
}

type ReporterConfig struct {
	Attempts       uint          `yaml:"attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

type ManifestsConfig struct {
	Dir     string        `yaml:"dir"`
	Refresh time.Duration `yaml:"refresh"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	BackendDocker  = "docker"
	BackendProcess = "process"

	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Default returns a config that runs against a local docker daemon and redis.
func Default() *Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return &Config{
		Worker: WorkerConfig{
			ID:            host,
			Concurrency:   4,
			RateLimit:     10,
			RateWindow:    time.Minute,
			ShutdownGrace: 30 * time.Second,
		},
		Limits: LimitsConfig{
			DefaultTimeout:  5 * time.Minute,
			MaxTimeout:      30 * time.Minute,
			DefaultMemoryMB: 512,
			MaxMemoryMB:     2048,
			DefaultCPUs:     1,
			MaxCPUs:         2,
			MaxPids:         256,
		},
		Sandbox: SandboxConfig{
			Backend:        BackendDocker,
			MaxOutputBytes: 1 << 20,
			CreateAttempts: 3,
			Docker:         DockerConfig{User: "1000:1000", TmpfsSize: "64m"},
			Process:        ProcessConfig{Bwrap: "bwrap", RequireIsolation: true},
		},
		Queue: QueueConfig{
			Driver: DriverRedis,
			Redis: RedisConfig{
				URL:        "redis://localhost:6379",
				JobsKey:    "toolrunner:jobs",
				Prefix:     "toolrunner",
				RecentSize: 500,
				Retention:  7 * 24 * time.Hour,
				LeaseTTL:   30 * time.Second,
			},
		},
		Reporter: ReporterConfig{
			Attempts:       5,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
		},
		Manifests: ManifestsConfig{Dir: "manifests", Refresh: 30 * time.Second},
		HTTP:      HTTPConfig{Addr: ":8080"},
		Log:       LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads path (optional), then .env, then the environment.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "reading config")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "parsing config")
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"TOOLRUNNER_WORKER_ID":       &c.Worker.ID,
		"TOOLRUNNER_SANDBOX_BACKEND": &c.Sandbox.Backend,
		"TOOLRUNNER_QUEUE_DRIVER":    &c.Queue.Driver,
		"TOOLRUNNER_REDIS_URL":       &c.Queue.Redis.URL,
		"TOOLRUNNER_REDIS_PASSWORD":  &c.Queue.Redis.Password,
		"TOOLRUNNER_MANIFEST_DIR":    &c.Manifests.Dir,
		"TOOLRUNNER_HTTP_ADDR":       &c.HTTP.Addr,
		"TOOLRUNNER_LOG_LEVEL":       &c.Log.Level,
		"TOOLRUNNER_BWRAP":           &c.Sandbox.Process.Bwrap,
		"TOOLRUNNER_DOCKER_NETWORK":  &c.Sandbox.Docker.RestrictedNetwork,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"TOOLRUNNER_CONCURRENCY": &c.Worker.Concurrency,
		"TOOLRUNNER_RATE_LIMIT":  &c.Worker.RateLimit,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return errors.Wrapf(err, "parsing %s", key)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"TOOLRUNNER_RATE_WINDOW":    &c.Worker.RateWindow,
		"TOOLRUNNER_MAX_TIMEOUT":    &c.Limits.MaxTimeout,
		"TOOLRUNNER_SHUTDOWN_GRACE": &c.Worker.ShutdownGrace,
		"TOOLRUNNER_LEASE_TTL":      &c.Queue.Redis.LeaseTTL,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return errors.Wrapf(err, "parsing %s", key)
			}
			*dst = d
		}
	}

	if v := os.Getenv("TOOLRUNNER_REQUIRE_ISOLATION"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrap(err, "parsing TOOLRUNNER_REQUIRE_ISOLATION")
		}
		c.Sandbox.Process.RequireIsolation = b
	}
	return nil
}

func (c *Config) validate() error {
	switch {
	case c.Worker.Concurrency < 1:
		return errors.New("worker.concurrency must be at least 1")
	case c.Worker.RateLimit < 1:
		return errors.New("worker.rate_limit must be at least 1")
	case c.Worker.RateWindow <= 0:
		return errors.New("worker.rate_window must be positive")
	case c.Worker.ShutdownGrace < 0:
		return errors.New("worker.shutdown_grace must not be negative")
	case c.Worker.ID == "":
		return errors.New("worker.id is required")
	case c.Limits.MaxTimeout <= 0 || c.Limits.DefaultTimeout <= 0:
		return errors.New("limits timeouts must be positive")
	case c.Limits.DefaultTimeout > c.Limits.MaxTimeout:
		return errors.New("limits.default_timeout exceeds limits.max_timeout")
	case c.Limits.MaxMemoryMB <= 0 || c.Limits.MaxCPUs <= 0 || c.Limits.MaxPids <= 0:
		return errors.New("limits maxima must be positive")
	case c.Sandbox.MaxOutputBytes <= 0:
		return errors.New("sandbox.max_output_bytes must be positive")
	case c.Manifests.Dir == "":
		return errors.New("manifests.dir is required")
	}

	switch c.Sandbox.Backend {
	case BackendDocker, BackendProcess:
	default:
		return errors.Errorf("unknown sandbox.backend %q", c.Sandbox.Backend)
	}
	switch c.Queue.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Queue.Redis.URL == "" {
			return errors.New("queue.redis.url is required for the redis driver")
		}
		if c.Queue.Redis.LeaseTTL < 3*time.Second {
			return errors.New("queue.redis.lease_ttl must be at least 3s")
		}
	default:
		return errors.Errorf("unknown queue.driver %q", c.Queue.Driver)
	}
	return nil
}

// Bounds converts the limits section for security.ClampLimits.
func (c *Config) Bounds() security.Bounds {
	return security.Bounds{
		DefaultTimeout:  c.Limits.DefaultTimeout,
		MaxTimeout:      c.Limits.MaxTimeout,
		DefaultMemoryMB: c.Limits.DefaultMemoryMB,
		MaxMemoryMB:     c.Limits.MaxMemoryMB,
		DefaultCPUs:     c.Limits.DefaultCPUs,
		MaxCPUs:         c.Limits.MaxCPUs,
		MaxPids:         c.Limits.MaxPids,
	}
}
