package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readiness/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2, cfg.Dispatcher.Workers)
	assert.Equal(t, time.Second, cfg.Dispatcher.PollInterval)
	assert.Equal(t, 1440, cfg.SLA.Targets["intake"])
	require.Len(t, cfg.Rules, 2)
	assert.Equal(t, "create_task", cfg.Rules[0].Action.Type)
	assert.Equal(t, map[string]string{"new_state": "completed", "task_type": "intake"}, cfg.Rules[0].When)
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
dispatcher:
  workers: 4
sla:
  targets:
    audit: 90
rules:
  - id: blocked-alert
    event_type: TaskStateChanged
    when: {new_state: blocked}
    action: {type: alert, params: {severity: warning}}
`))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Dispatcher.Workers)
	assert.Equal(t, 20, cfg.Dispatcher.BatchSize)
	assert.Equal(t, map[string]int{"audit": 90}, cfg.SLA.Targets)
	require.Len(t, cfg.Rules, 1)
	assert.Equal(t, "blocked-alert", cfg.Rules[0].ID)
}

func TestFromYAMLSLATargetsReplaceDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte("sla:\n  targets:\n    misc: 30\n"))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"misc": 30}, cfg.SLA.Targets)

	cfg, err = config.FromYAML([]byte("dispatcher:\n  workers: 3\n"))
	require.NoError(t, err)
	assert.Equal(t, config.Default().SLA.Targets, cfg.SLA.Targets, "defaults kept when the file has no targets")
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"bad driver":     "database: {driver: mysql}",
		"pg without dsn": "database: {driver: pgx}",
		"zero target":    "sla: {targets: {intake: 0}}",
		"unknown action": "rules: [{id: r, event_type: E, action: {type: email}}]",
		"duplicate rule": "rules: [{id: r, event_type: E, action: {type: alert}}, {id: r, event_type: E, action: {type: alert}}]",
		"missing event":  "rules: [{id: r, action: {type: alert}}]",
		"webhook no url": "alerts: {webhooks: [{secret: x}]}",
		"log format":     "log: {format: xml}",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadAppliesEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readiness.yml"), []byte("log: {level: warn}\n"), 0o644))
	t.Setenv("READINESS_LOG_LEVEL", "debug")
	t.Setenv("READINESS_REDIS_ADDR", "localhost:6380")
	t.Setenv("READINESS_DISPATCH_WORKERS", "8")

	cfg, err := config.Load(dir, "")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "localhost:6380", cfg.Alerts.Redis.Addr)
	assert.Equal(t, 8, cfg.Dispatcher.Workers)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(t.TempDir(), "")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}
