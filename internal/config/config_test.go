package config

import (
	"strings"
	"testing"
	"time"

	"github.com/nadmax/taskforge/internal/breaker"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newViper(t *testing.T, yaml string) *viper.Viper {
	t.Helper()

	v := viper.New()
	SetDefaults(v)
	BindEnv(v)
	if yaml != "" {
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(strings.NewReader(yaml)))
	}

	return v
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(newViper(t, ""))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, "taskforge", cfg.KeyPrefix)
	assert.Equal(t, int32(10), cfg.Pool.MaxConns)
	assert.Equal(t, 5*time.Second, cfg.Pool.AcquireTimeout)
	assert.Equal(t, 3, cfg.Tasks.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Tasks.Timeout)
	assert.Equal(t, 1, cfg.Autoscaler.MinWorkers)
	assert.Equal(t, 10, cfg.Autoscaler.MaxWorkers)
	assert.Equal(t, 3, cfg.Recovery.EscalateAfter)

	for _, name := range []string{breaker.Broker, breaker.Database, breaker.TaskExecution} {
		s, ok := cfg.Breakers[name]
		require.True(t, ok, name)
		assert.Equal(t, breaker.DefaultFailureThreshold, s.FailureThreshold)
		assert.Equal(t, breaker.DefaultRecoveryTimeout, s.RecoveryTimeout)
	}
}

func TestLoad_DefaultYAML(t *testing.T) {
	cfg, err := Load(newViper(t, DefaultYAML))
	require.NoError(t, err)

	assert.Equal(t, 2*time.Minute, cfg.Tasks.VisibilityTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Workers.PollInterval)
	assert.Equal(t, 60*time.Second, cfg.Breakers[breaker.TaskExecution].RecoveryTimeout)
	assert.Empty(t, cfg.Alert.SendGridAPIKey)
}

func TestLoad_FileOverrides(t *testing.T) {
	cfg, err := Load(newViper(t, `
redis_addr: "redis:6380"
tasks:
  max_attempts: 5
  backoff_base: "250ms"
breakers:
  broker:
    failure_threshold: 2
    recovery_timeout: "10s"
`))
	require.NoError(t, err)

	assert.Equal(t, "redis:6380", cfg.RedisAddr)
	assert.Equal(t, 5, cfg.Tasks.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryPolicy().Base)
	assert.Equal(t, 2, cfg.Breakers[breaker.Broker].FailureThreshold)
	assert.Equal(t, 10*time.Second, cfg.Breakers[breaker.Broker].RecoveryTimeout)
	assert.Equal(t, breaker.DefaultFailureThreshold, cfg.Breakers[breaker.Database].FailureThreshold)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("TASKFORGE_TASKS_MAX_ATTEMPTS", "9")
	t.Setenv("TASKFORGE_LOG_LEVEL", "debug")

	cfg, err := Load(newViper(t, "tasks:\n  max_attempts: 5\n"))
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Tasks.MaxAttempts)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"max below min workers", "autoscaler:\n  min_workers: 4\n  max_workers: 2\n"},
		{"zero attempts", "tasks:\n  max_attempts: 0\n"},
		{"visibility not above timeout", "tasks:\n  timeout: \"2m\"\n  visibility_timeout: \"1m\"\n"},
		{"unknown log level", "log_level: \"loud\"\n"},
		{"bad redis address", "redis_addr: \"localhost\"\n"},
		{"sendgrid without recipients", "alert:\n  sendgrid_api_key: \"SG.key\"\n  from: \"ops@example.com\"\n"},
		{"bad alert address", "alert:\n  to: [\"not-an-email\"]\n"},
		{"breaker without threshold", "breakers:\n  broker:\n    failure_threshold: 0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(newViper(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid config")
		})
	}
}

func TestDerivedConfigs(t *testing.T) {
	cfg, err := Load(newViper(t, ""))
	require.NoError(t, err)

	wc := cfg.WorkerConfig()
	assert.Equal(t, cfg.Autoscaler.MinWorkers, wc.Workers)
	assert.Equal(t, cfg.Tasks.Timeout, wc.TaskTimeout)

	qc := cfg.QueueConfig()
	assert.Equal(t, "taskforge", qc.Prefix)
	assert.Equal(t, cfg.Tasks.VisibilityTimeout, qc.VisibilityTimeout)

	rc := cfg.ReaperConfig()
	assert.Equal(t, cfg.Workers.StaleAfter, rc.StaleAfter)

	assert.Len(t, cfg.AutoscalerOptions(), 7)
}
