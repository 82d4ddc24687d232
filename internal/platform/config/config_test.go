package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoad_DefaultValues tests that hardcoded defaults are applied correctly.
func TestLoad_DefaultValues(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "go-reqscope", cfg.App.Name)
	assert.Equal(t, "dev", cfg.App.Version)
	assert.Equal(t, "local", cfg.App.Environment)
	assert.Equal(t, DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	require.NoError(t, cfg.Validate())
}

// TestLoad_PropagationDefaults tests the propagation pool and policy defaults.
func TestLoad_PropagationDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultPropagationLanes, cfg.Propagation.Lanes)
	assert.Equal(t, DefaultPropagationQueueSize, cfg.Propagation.QueueSize)
	assert.Equal(t, "silent", cfg.Propagation.MismatchPolicy)
	assert.True(t, cfg.Propagation.LeakDetection)
	assert.Equal(t, DefaultFanoutMaxUnits, cfg.Propagation.FanoutMaxUnits)
}

// TestLoad_EnvVarOverrides tests that environment variables override defaults.
func TestLoad_EnvVarOverrides(t *testing.T) {
	t.Setenv("APP_SERVER_PORT", "9090")
	t.Setenv("APP_LOG_LEVEL", "trace")
	t.Setenv("APP_PROPAGATION_QUEUE_SIZE", "8")
	t.Setenv("APP_PROPAGATION_MISMATCH_POLICY", "report")
	t.Setenv("APP_PROPAGATION_LEAK_DETECTION", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "trace", cfg.Log.Level)
	assert.Equal(t, 8, cfg.Propagation.QueueSize)
	assert.Equal(t, "report", cfg.Propagation.MismatchPolicy)
	assert.False(t, cfg.Propagation.LeakDetection)
}

// TestLoad_DurationParsing tests that duration strings are parsed correctly.
func TestLoad_DurationParsing(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
}

// TestLoad_NonExistentProfile tests that a missing profile file doesn't cause errors.
func TestLoad_NonExistentProfile(t *testing.T) {
	cfg, err := Load("nonexistent")
	require.NoError(t, err)

	assert.Equal(t, "go-reqscope", cfg.App.Name)
}

// TestLoad_ProfileFile tests that base and profile files layer over defaults.
func TestLoad_ProfileFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "configs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "configs", "base.yaml"), []byte(`
propagation:
  lanes: 2
  queue_size: 16
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "configs", "qa.yaml"), []byte(`
app:
  environment: qa
propagation:
  lanes: 8
`), 0o600))

	t.Chdir(dir)

	cfg, err := Load("qa")
	require.NoError(t, err)

	assert.Equal(t, "qa", cfg.App.Environment)
	assert.Equal(t, 8, cfg.Propagation.Lanes)
	assert.Equal(t, 16, cfg.Propagation.QueueSize)
}

// TestLoad_InvalidYAML tests that a malformed file is reported.
func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "configs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "configs", "base.yaml"), []byte("propagation: [lanes"), 0o600))

	t.Chdir(dir)

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading base config")
}

// TestLoad_BoolEnvVar tests that boolean environment variables are parsed correctly.
func TestLoad_BoolEnvVar(t *testing.T) {
	t.Setenv("APP_TELEMETRY_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, cfg.Telemetry.Enabled)
}

// TestLoad_LogFileDefaults tests that log file defaults are set correctly.
func TestLoad_LogFileDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.False(t, cfg.Log.File.Enabled)
	assert.Equal(t, "./logs/reqscope.log", cfg.Log.File.Path)
	assert.Equal(t, DefaultLogFileMaxSizeMB, cfg.Log.File.MaxSizeMB)
	assert.Equal(t, DefaultLogFileMaxBackups, cfg.Log.File.MaxBackups)
	assert.Equal(t, DefaultLogFileMaxAgeDays, cfg.Log.File.MaxAgeDays)
	assert.True(t, cfg.Log.File.Compress)
}

// TestLoad_TelemetryDefaults tests that telemetry defaults are set correctly.
func TestLoad_TelemetryDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "go-reqscope", cfg.Telemetry.ServiceName)
	assert.Equal(t, 1.0, cfg.Telemetry.SamplingRate)
}

func TestEnvKeyMapper(t *testing.T) {
	mapper := envKeyMapper([]string{"propagation.queue_size", "log.file.max_size", "server.port"})

	tests := []struct {
		env  string
		want string
	}{
		{"APP_PROPAGATION_QUEUE_SIZE", "propagation.queue_size"},
		{"APP_LOG_FILE_MAX_SIZE", "log.file.max_size"},
		{"APP_SERVER_PORT", "server.port"},
		{"APP_UNKNOWN_THING", "unknown.thing"},
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			assert.Equal(t, tt.want, mapper(tt.env))
		})
	}
}

// TestDefaults tests that the defaults map contains expected values.
func TestDefaults(t *testing.T) {
	d := defaults()

	assert.Equal(t, "go-reqscope", d["app.name"])
	assert.Equal(t, DefaultServerPort, d["server.port"])
	assert.Equal(t, "info", d["log.level"])
	assert.Equal(t, DefaultPropagationLanes, d["propagation.lanes"])
	assert.Equal(t, "silent", d["propagation.mismatch_policy"])
}
