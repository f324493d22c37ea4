// Package config loads and validates the benchflow configuration file.
package config

import (
	"fmt"
	"os/user"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides, e.g.
	// BENCHFLOW_GLOBAL_LOG_LEVEL overrides global.log_level.
	EnvPrefix = "BENCHFLOW"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultRunDir is the default root for run state (checkpoints,
	// sample files, logs).
	DefaultRunDir = "./runs"

	// DefaultWorkers is the default worker concurrency.
	DefaultWorkers = 1
)

// Config is the root configuration for benchflow.
type Config struct {
	Global     GlobalConfig      `yaml:"global" mapstructure:"global"`
	Run        RunConfig         `yaml:"run" mapstructure:"run"`
	Scheduler  SchedulerConfig   `yaml:"scheduler" mapstructure:"scheduler"`
	Benchmarks []BenchmarkConfig `yaml:"benchmarks" mapstructure:"benchmarks"`
	Publish    PublishConfig     `yaml:"publish" mapstructure:"publish"`
	Archive    ArchiveConfig     `yaml:"archive" mapstructure:"archive"`

	// StaticMachinesFile points at a YAML file registering pre-existing
	// machines benchmarks may run on instead of created VMs.
	StaticMachinesFile string `yaml:"static_machines_file" mapstructure:"static_machines_file"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`

	// Owner tags created resources and published samples. Defaults to
	// the OS user running the batch.
	Owner string `yaml:"owner" mapstructure:"owner"`
}

// RunConfig controls run identity, stage selection, and the run-stage
// retry/time-box policy.
type RunConfig struct {
	Dir    string   `yaml:"dir" mapstructure:"dir"`
	Stages []string `yaml:"stages" mapstructure:"stages"`

	// RunID resumes an earlier run. Empty means generate one when
	// provisioning, otherwise resume the most recent checkpointed run.
	RunID string `yaml:"run_id" mapstructure:"run_id"`

	// StageTime re-runs the run stage until this much time was spent.
	// Zero runs it exactly once.
	StageTime time.Duration `yaml:"stage_time" mapstructure:"stage_time"`

	// StageRetries is the allowed number of consecutive run-stage
	// failures before a benchmark is failed.
	StageRetries int `yaml:"stage_retries" mapstructure:"stage_retries"`

	// PublishAfterRun publishes all available samples immediately after
	// each run iteration instead of only at the end of the batch.
	PublishAfterRun bool `yaml:"publish_after_run" mapstructure:"publish_after_run"`

	// RuntimeMeasurements adds phase runtime samples to the results.
	RuntimeMeasurements *bool `yaml:"runtime_measurements" mapstructure:"runtime_measurements"`
}

// SchedulerConfig controls batch parallelism.
type SchedulerConfig struct {
	Workers       int  `yaml:"workers" mapstructure:"workers"`
	StopOnFailure bool `yaml:"stop_on_failure" mapstructure:"stop_on_failure"`
}

// BenchmarkConfig schedules one or more instances of a workload.
type BenchmarkConfig struct {
	Name string `yaml:"name" mapstructure:"name"`

	// Workload names the registered workload; defaults to Name.
	Workload string `yaml:"workload" mapstructure:"workload"`

	// Count schedules this many independent instances.
	Count int `yaml:"count" mapstructure:"count"`

	// VMCount is the number of machines each instance needs.
	VMCount int `yaml:"vm_count" mapstructure:"vm_count"`

	// Services names managed services to provision before any VM.
	Services []string `yaml:"services" mapstructure:"services"`

	// AlwaysCallCleanup forces the cleanup stage for this benchmark.
	AlwaysCallCleanup bool `yaml:"always_call_cleanup" mapstructure:"always_call_cleanup"`

	// UseStaticMachines assigns machines from the static registry
	// instead of creating VMs.
	UseStaticMachines bool `yaml:"use_static_machines" mapstructure:"use_static_machines"`

	// Flags are per-run configuration overrides scoped to this
	// benchmark's instances only.
	Flags map[string]any `yaml:"flags" mapstructure:"flags"`

	// Config is the opaque workload configuration.
	Config map[string]any `yaml:"config" mapstructure:"config"`
}

// PublishConfig selects the reporting sinks.
type PublishConfig struct {
	// Sinks lists enabled sinks: console, file, database.
	Sinks []string `yaml:"sinks" mapstructure:"sinks"`

	File     FileSinkConfig `yaml:"file" mapstructure:"file"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
}

// FileSinkConfig configures the JSON-lines file sink.
type FileSinkConfig struct {
	// Path of the sample file. Empty means samples.json inside the run
	// directory.
	Path string `yaml:"path" mapstructure:"path"`
}

// DatabaseConfig selects and configures the database sink backend.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite" mapstructure:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres" mapstructure:"postgres"`
}

// SQLiteConfig configures the sqlite backend.
type SQLiteConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig configures the postgres backend.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode" mapstructure:"ssl_mode"`
}

// ArchiveConfig configures post-run archival of the run directory.
type ArchiveConfig struct {
	S3 S3ArchiveConfig `yaml:"s3" mapstructure:"s3"`
}

// S3ArchiveConfig configures the S3-compatible archive backend. An empty
// bucket disables archival.
type S3ArchiveConfig struct {
	Bucket            string  `yaml:"bucket" mapstructure:"bucket"`
	Prefix            string  `yaml:"prefix" mapstructure:"prefix"`
	Region            string  `yaml:"region" mapstructure:"region"`
	EndpointURL       string  `yaml:"endpoint_url" mapstructure:"endpoint_url"`
	AccessKeyID       string  `yaml:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey   string  `yaml:"secret_access_key" mapstructure:"secret_access_key"`
	ForcePathStyle    bool    `yaml:"force_path_style" mapstructure:"force_path_style"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// Load reads and parses a configuration file from the given path.
// Environment variables prefixed with BENCHFLOW_ override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Global.Owner == "" {
		c.Global.Owner = currentUser()
	}

	if c.Run.Dir == "" {
		c.Run.Dir = DefaultRunDir
	}

	if len(c.Run.Stages) == 0 {
		c.Run.Stages = []string{"all"}
	}

	if c.Run.RuntimeMeasurements == nil {
		enabled := true
		c.Run.RuntimeMeasurements = &enabled
	}

	if c.Scheduler.Workers == 0 {
		c.Scheduler.Workers = DefaultWorkers
	}

	if len(c.Publish.Sinks) == 0 {
		c.Publish.Sinks = []string{"console"}
	}

	if c.Publish.Database.Driver == "" {
		c.Publish.Database.Driver = "sqlite"
	}

	if c.Publish.Database.Postgres.SSLMode == "" {
		c.Publish.Database.Postgres.SSLMode = "disable"
	}

	for i := range c.Benchmarks {
		b := &c.Benchmarks[i]

		if b.Workload == "" {
			b.Workload = b.Name
		}

		if b.Count == 0 {
			b.Count = 1
		}

		if b.VMCount == 0 {
			b.VMCount = 1
		}
	}
}

// validSinks is the set of supported reporting sinks.
var validSinks = map[string]struct{}{
	"console":  {},
	"file":     {},
	"database": {},
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if len(c.Benchmarks) == 0 {
		return fmt.Errorf("at least one benchmark must be configured")
	}

	for i, b := range c.Benchmarks {
		if b.Name == "" {
			return fmt.Errorf("benchmark %d: name is required", i)
		}

		if b.Count < 1 {
			return fmt.Errorf("benchmark %q: count must be at least 1", b.Name)
		}

		if b.VMCount < 0 {
			return fmt.Errorf("benchmark %q: vm_count must not be negative", b.Name)
		}

		if b.UseStaticMachines && c.StaticMachinesFile == "" {
			return fmt.Errorf("benchmark %q: use_static_machines requires static_machines_file", b.Name)
		}
	}

	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler workers must be at least 1")
	}

	if c.Run.StageTime < 0 {
		return fmt.Errorf("run stage_time must not be negative")
	}

	if c.Run.StageRetries < 0 {
		return fmt.Errorf("run stage_retries must not be negative")
	}

	for _, sink := range c.Publish.Sinks {
		if _, ok := validSinks[sink]; !ok {
			return fmt.Errorf("unknown sink %q (valid: console, file, database)", sink)
		}
	}

	if c.Publish.Database.Driver != "sqlite" && c.Publish.Database.Driver != "postgres" {
		return fmt.Errorf("unknown database driver %q (valid: sqlite, postgres)", c.Publish.Database.Driver)
	}

	return nil
}

// ArchiveEnabled reports whether a run archive is configured.
func (c *Config) ArchiveEnabled() bool {
	return c.Archive.S3.Bucket != ""
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}

	return "unknown"
}
