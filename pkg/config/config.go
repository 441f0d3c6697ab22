// Package config loads the engine configuration: a YAML file, ADACTA_*
// environment overrides on top, and schema validation of the pipeline
// section before any step graph is built from it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fooker/adacta/pkg/blob"
	"github.com/fooker/adacta/pkg/document"
	"github.com/fooker/adacta/pkg/executor"
	"github.com/fooker/adacta/pkg/index"
	"github.com/fooker/adacta/pkg/observability"
	"github.com/fooker/adacta/pkg/pipeline"
	"github.com/fooker/adacta/pkg/registry"
	"github.com/fooker/adacta/pkg/runtime"
)

// DefaultDataDir anchors all derived paths when nothing is configured.
const DefaultDataDir = "/var/lib/adacta"

// Duration wraps time.Duration so configs can say "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete engine configuration.
type Config struct {
	// DataDir anchors the default locations of everything that persists.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	Log LogConfig `yaml:"log" json:"log"`

	Blob     blob.Config     `yaml:"blob" json:"blob"`
	Registry registry.Config `yaml:"registry" json:"registry"`
	Executor executor.Config `yaml:"executor" json:"executor"`
	Runtime  runtime.Config  `yaml:"runtime" json:"runtime"`

	Index         IndexConfig         `yaml:"index" json:"index"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
	Inbox         InboxConfig         `yaml:"inbox" json:"inbox"`

	Pipeline []StepConfig `yaml:"pipeline" json:"pipeline"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // text or json
}

// Logger builds the handler selected by the log section, writing to w.
func (c LogConfig) Logger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(c.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// IndexConfig mirrors the index engine settings with YAML-friendly
// durations, plus the reconcile loop interval.
type IndexConfig struct {
	Type             string   `yaml:"type" json:"type"`
	URL              string   `yaml:"url" json:"url"`
	Timeout          Duration `yaml:"timeout" json:"timeout"`
	RatePerSec       float64  `yaml:"rate_per_sec" json:"rate_per_sec"`
	Burst            int      `yaml:"burst" json:"burst"`
	MaxRetries       int      `yaml:"max_retries" json:"max_retries"`
	BreakerThreshold int      `yaml:"breaker_threshold" json:"breaker_threshold"`
	BreakerReset     Duration `yaml:"breaker_reset" json:"breaker_reset"`
	ReconcileEvery   Duration `yaml:"reconcile_every" json:"reconcile_every"`
}

// Engine converts into the index engine configuration.
func (c IndexConfig) Engine() index.Config {
	return index.Config{
		Type:             c.Type,
		URL:              c.URL,
		Timeout:          c.Timeout.Std(),
		RatePerSec:       c.RatePerSec,
		Burst:            c.Burst,
		MaxRetries:       c.MaxRetries,
		BreakerThreshold: c.BreakerThreshold,
		BreakerReset:     c.BreakerReset.Std(),
	}
}

// ObservabilityConfig mirrors the OTel provider settings.
type ObservabilityConfig struct {
	Enabled      bool     `yaml:"enabled" json:"enabled"`
	OTLPEndpoint string   `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	Environment  string   `yaml:"environment" json:"environment"`
	SampleRate   float64  `yaml:"sample_rate" json:"sample_rate"`
	BatchTimeout Duration `yaml:"batch_timeout" json:"batch_timeout"`
	Insecure     bool     `yaml:"insecure" json:"insecure"`
}

// Provider converts into the observability provider configuration.
func (c ObservabilityConfig) Provider() observability.Config {
	cfg := observability.DefaultConfig()
	cfg.Enabled = c.Enabled
	if c.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = c.OTLPEndpoint
	}
	if c.Environment != "" {
		cfg.Environment = c.Environment
	}
	if c.SampleRate > 0 {
		cfg.SampleRate = c.SampleRate
	}
	if c.BatchTimeout > 0 {
		cfg.BatchTimeout = c.BatchTimeout.Std()
	}
	cfg.Insecure = c.Insecure
	return cfg
}

// InboxConfig controls the ingestion directory watcher.
type InboxConfig struct {
	// Path is the watched directory; files dropped there are ingested and
	// removed. Defaults to <data_dir>/inbox.
	Path string `yaml:"path" json:"path"`
	// Poll is the scan interval. Default 2s.
	Poll Duration `yaml:"poll" json:"poll"`
	// Disabled turns the watcher off entirely.
	Disabled bool `yaml:"disabled" json:"disabled"`
}

// StepConfig is the YAML shape of one pipeline step.
type StepConfig struct {
	Name           string            `yaml:"name" json:"name"`
	Runtime        string            `yaml:"runtime,omitempty" json:"runtime,omitempty"`
	Image          string            `yaml:"image" json:"image"`
	Cmd            []string          `yaml:"cmd,omitempty" json:"cmd,omitempty"`
	Env            map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Inputs         []string          `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs        []string          `yaml:"outputs" json:"outputs"`
	Timeout        Duration          `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Retry          RetryConfig       `yaml:"retry,omitempty" json:"retry,omitempty"`
	Classifier     string            `yaml:"classifier,omitempty" json:"classifier,omitempty"`
	NetworkEnabled bool              `yaml:"network_enabled,omitempty" json:"network_enabled,omitempty"`
	Resources      runtime.Resources `yaml:"resources,omitempty" json:"resources,omitempty"`
}

// RetryConfig is the YAML shape of a step retry policy. Zero fields fall
// back to the orchestrator defaults.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	BaseBackoff Duration `yaml:"base_backoff,omitempty" json:"base_backoff,omitempty"`
	MaxBackoff  Duration `yaml:"max_backoff,omitempty" json:"max_backoff,omitempty"`
	MaxJitter   Duration `yaml:"max_jitter,omitempty" json:"max_jitter,omitempty"`
}

// Step converts into the orchestrator's step declaration.
func (s StepConfig) Step() pipeline.Step {
	step := pipeline.Step{
		Name:           s.Name,
		Runtime:        s.Runtime,
		Image:          s.Image,
		Cmd:            s.Cmd,
		Env:            s.Env,
		Timeout:        s.Timeout.Std(),
		Classifier:     s.Classifier,
		NetworkEnabled: s.NetworkEnabled,
		Resources:      s.Resources,
		Retry: pipeline.RetryPolicy{
			MaxAttempts: s.Retry.MaxAttempts,
			BaseBackoff: s.Retry.BaseBackoff.Std(),
			MaxBackoff:  s.Retry.MaxBackoff.Std(),
			MaxJitter:   s.Retry.MaxJitter.Std(),
		},
	}
	for _, k := range s.Inputs {
		step.Inputs = append(step.Inputs, document.Kind(k))
	}
	for _, k := range s.Outputs {
		step.Outputs = append(step.Outputs, document.Kind(k))
	}
	return step
}

// Steps converts the pipeline section into step declarations.
func (c Config) Steps() []pipeline.Step {
	steps := make([]pipeline.Step, len(c.Pipeline))
	for i, s := range c.Pipeline {
		steps[i] = s.Step()
	}
	return steps
}

// Load reads the file at path when given, applies environment overrides,
// and fills defaults. The pipeline section is validated against the
// embedded schema before decoding.
func Load(path string) (Config, error) {
	var cfg Config

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := validatePipeline(raw); err != nil {
			return Config{}, err
		}

		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyEnv folds ADACTA_* overrides into cfg. Overrides win over the file.
func applyEnv(cfg *Config) error {
	set := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	set("ADACTA_DATA_DIR", &cfg.DataDir)
	set("ADACTA_LOG_LEVEL", &cfg.Log.Level)
	set("ADACTA_LOG_FORMAT", &cfg.Log.Format)
	set("ADACTA_BLOB_TYPE", &cfg.Blob.Type)
	set("ADACTA_BLOB_PATH", &cfg.Blob.Path)
	set("ADACTA_REGISTRY_TYPE", &cfg.Registry.Type)
	set("ADACTA_REGISTRY_PATH", &cfg.Registry.Path)
	set("ADACTA_REGISTRY_DSN", &cfg.Registry.DSN)
	set("ADACTA_INDEX_TYPE", &cfg.Index.Type)
	set("ADACTA_INDEX_URL", &cfg.Index.URL)
	set("ADACTA_WORK_DIR", &cfg.Executor.WorkDir)
	set("ADACTA_INBOX_PATH", &cfg.Inbox.Path)
	set("ADACTA_DOCKER_HOST", &cfg.Runtime.Docker.Host)

	if v, ok := os.LookupEnv("ADACTA_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: ADACTA_WORKERS: %w", err)
		}
		cfg.Executor.Workers = n
	}
	// An endpoint given through the environment means "send there".
	if v, ok := os.LookupEnv("ADACTA_OTLP_ENDPOINT"); ok {
		cfg.Observability.OTLPEndpoint = v
		cfg.Observability.Enabled = v != ""
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Blob.Type == "" {
		c.Blob.Type = "fs"
	}
	if c.Blob.Type == "fs" && c.Blob.Path == "" {
		c.Blob.Path = filepath.Join(c.DataDir, "blobs")
	}
	if c.Registry.Type == "" {
		c.Registry.Type = "sqlite"
	}
	if c.Registry.Type == "sqlite" && c.Registry.Path == "" {
		c.Registry.Path = filepath.Join(c.DataDir, "registry.db")
	}
	if c.Index.Type == "" {
		c.Index.Type = "memory"
	}
	if c.Index.ReconcileEvery <= 0 {
		c.Index.ReconcileEvery = Duration(time.Minute)
	}
	if c.Inbox.Path == "" {
		c.Inbox.Path = filepath.Join(c.DataDir, "inbox")
	}
	if c.Inbox.Poll <= 0 {
		c.Inbox.Poll = Duration(2 * time.Second)
	}
}
