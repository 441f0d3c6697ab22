package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/fooker/adacta/pkg/document"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "adacta.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultDataDir, cfg.DataDir)
	assert.Equal(t, "fs", cfg.Blob.Type)
	assert.Equal(t, filepath.Join(DefaultDataDir, "blobs"), cfg.Blob.Path)
	assert.Equal(t, "sqlite", cfg.Registry.Type)
	assert.Equal(t, filepath.Join(DefaultDataDir, "registry.db"), cfg.Registry.Path)
	assert.Equal(t, "memory", cfg.Index.Type)
	assert.Equal(t, time.Minute, cfg.Index.ReconcileEvery.Std())
	assert.Equal(t, filepath.Join(DefaultDataDir, "inbox"), cfg.Inbox.Path)
	assert.Equal(t, 2*time.Second, cfg.Inbox.Poll.Std())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Pipeline)
}

const sampleConfig = `
data_dir: /srv/adacta
log:
  level: debug
  format: json
blob:
  type: fs
  path: /srv/adacta/store
registry:
  type: postgres
  dsn: postgres://adacta@localhost/adacta
executor:
  workers: 8
  max_pending: 32
runtime:
  wasi:
    memory_limit_bytes: 134217728
index:
  type: http
  url: http://localhost:9200
  timeout: 10s
  reconcile_every: 30s
observability:
  enabled: true
  otlp_endpoint: otel:4317
  batch_timeout: 2s
inbox:
  path: /srv/inbox
  poll: 5s
pipeline:
  - name: extract-text
    image: adacta/extract:1
    inputs: [specimen]
    outputs: [plaintext]
    timeout: 2m
    retry:
      max_attempts: 5
      base_backoff: 250ms
    classifier: "exit_code == 75"
  - name: thumbnail
    runtime: wasi
    image: sha256:abc
    inputs: [specimen]
    outputs: [preview]
    resources:
      memory_bytes: 67108864
`

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "/srv/adacta", cfg.DataDir)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "/srv/adacta/store", cfg.Blob.Path)
	assert.Equal(t, "postgres", cfg.Registry.Type)
	assert.Equal(t, "postgres://adacta@localhost/adacta", cfg.Registry.DSN)
	assert.Equal(t, 8, cfg.Executor.Workers)
	assert.Equal(t, 32, cfg.Executor.MaxPending)
	assert.Equal(t, int64(134217728), cfg.Runtime.Wasi.MemoryLimitBytes)
	assert.Equal(t, 10*time.Second, cfg.Index.Timeout.Std())
	assert.Equal(t, 30*time.Second, cfg.Index.ReconcileEvery.Std())
	assert.True(t, cfg.Observability.Enabled)
	assert.Equal(t, "/srv/inbox", cfg.Inbox.Path)
	assert.Equal(t, 5*time.Second, cfg.Inbox.Poll.Std())
}

func TestStepsConversion(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	steps := cfg.Steps()
	require.Len(t, steps, 2)

	extract := steps[0]
	assert.Equal(t, "extract-text", extract.Name)
	assert.Equal(t, []document.Kind{document.KindSpecimen}, extract.Inputs)
	assert.Equal(t, []document.Kind{document.KindPlaintext}, extract.Outputs)
	assert.Equal(t, 2*time.Minute, extract.Timeout)
	assert.Equal(t, 5, extract.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, extract.Retry.BaseBackoff)
	assert.Equal(t, "exit_code == 75", extract.Classifier)

	thumb := steps[1]
	assert.Equal(t, "wasi", thumb.Runtime)
	assert.Equal(t, "sha256:abc", thumb.Image)
	assert.Equal(t, int64(67108864), thumb.Resources.MemoryBytes)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, "data_dir: /srv/adacta\n")
	t.Setenv("ADACTA_DATA_DIR", "/tmp/override")
	t.Setenv("ADACTA_LOG_LEVEL", "error")
	t.Setenv("ADACTA_WORKERS", "16")
	t.Setenv("ADACTA_OTLP_ENDPOINT", "collector:4317")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/override", cfg.DataDir)
	assert.Equal(t, filepath.Join("/tmp/override", "blobs"), cfg.Blob.Path)
	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, 16, cfg.Executor.Workers)
	assert.True(t, cfg.Observability.Enabled)
	assert.Equal(t, "collector:4317", cfg.Observability.OTLPEndpoint)
}

func TestEnvBadWorkers(t *testing.T) {
	t.Setenv("ADACTA_WORKERS", "many")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ADACTA_WORKERS")
}

func TestLoadRejectsInvalidPipeline(t *testing.T) {
	cases := map[string]string{
		"missing name":    "pipeline:\n  - image: img\n    outputs: [plaintext]\n",
		"missing image":   "pipeline:\n  - name: a\n    outputs: [plaintext]\n",
		"missing outputs": "pipeline:\n  - name: a\n    image: img\n",
		"empty outputs":   "pipeline:\n  - name: a\n    image: img\n    outputs: []\n",
		"bad name":        "pipeline:\n  - name: Extract Text\n    image: img\n    outputs: [plaintext]\n",
		"bad runtime":     "pipeline:\n  - name: a\n    image: img\n    outputs: [plaintext]\n    runtime: firecracker\n",
		"bad duration":    "pipeline:\n  - name: a\n    image: img\n    outputs: [plaintext]\n    timeout: soon\n",
		"unknown field":   "pipeline:\n  - name: a\n    image: img\n    outputs: [plaintext]\n    entrypoint: sh\n",
		"negative memory": "pipeline:\n  - name: a\n    image: img\n    outputs: [plaintext]\n    resources:\n      memory_bytes: -1\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "pipeline")
		})
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "executor:\n  worker: 3\n"))
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestDurationYAML(t *testing.T) {
	var out struct {
		D Duration `yaml:"d"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("d: 1m30s"), &out))
	assert.Equal(t, 90*time.Second, out.D.Std())

	require.Error(t, yaml.Unmarshal([]byte("d: fast"), &out))

	enc, err := yaml.Marshal(Duration(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "1s\n", string(enc))
}

func TestLoggerSelection(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{Level: "debug", Format: "json"}.Logger(&buf)
	logger.Debug("hello")
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	buf.Reset()
	logger = LogConfig{Level: "warn", Format: "text"}.Logger(&buf)
	logger.Info("dropped")
	assert.Empty(t, buf.String())
	logger.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestIndexEngineConversion(t *testing.T) {
	e := IndexConfig{
		Type:         "http",
		URL:          "http://localhost:9200",
		Timeout:      Duration(time.Second),
		RatePerSec:   5,
		BreakerReset: Duration(time.Minute),
	}.Engine()

	assert.Equal(t, "http", e.Type)
	assert.Equal(t, time.Second, e.Timeout)
	assert.Equal(t, float64(5), e.RatePerSec)
	assert.Equal(t, time.Minute, e.BreakerReset)
}

func TestObservabilityProviderConversion(t *testing.T) {
	p := ObservabilityConfig{
		Enabled:      true,
		OTLPEndpoint: "otel:4317",
		BatchTimeout: Duration(2 * time.Second),
	}.Provider()

	assert.True(t, p.Enabled)
	assert.Equal(t, "otel:4317", p.OTLPEndpoint)
	assert.Equal(t, 2*time.Second, p.BatchTimeout)
	assert.Equal(t, "adacta", p.ServiceName)
}
