package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 12000, cfg.Service.Port)
	assert.Equal(t, 10002, cfg.Agent.Port)
	assert.Equal(t, DriverFile, cfg.Storage.Driver)
	assert.Equal(t, DispatchRemote, cfg.Service.Dispatch)
	assert.NoError(t, cfg.Validate())
}

func TestLoadNonExistent(t *testing.T) {
	t.Setenv("SWITCHBOARD_DATA_DIR", t.TempDir())
	cfg, err := Load("/tmp/nonexistent-switchboard-config.toml")
	require.NoError(t, err)

	assert.Equal(t, 12000, cfg.Service.Port)
	assert.Equal(t, filepath.Join(DataDir(), "state"), cfg.Storage.Dir)
}

func TestLoadValid(t *testing.T) {
	path := writeConfig(t, "switchboard.toml", `
[service]
port = 9999
bind = "lan"
dispatch = "local"
agents = ["http://localhost:10002", "http://localhost:10003"]
agent_timeout = "30s"

[agent]
name = "Parrot"
streaming = false

[storage]
driver = "sqlite"
dsn = "/var/lib/switchboard/state.db"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Service.Port)
	assert.Equal(t, "lan", cfg.Service.Bind)
	assert.Equal(t, DispatchLocal, cfg.Service.Dispatch)
	assert.Len(t, cfg.Service.Agents, 2)
	assert.Equal(t, 30*time.Second, cfg.Service.Timeout())
	assert.Equal(t, "Parrot", cfg.Agent.Name)
	assert.False(t, cfg.Agent.Streaming)
	assert.Equal(t, 10002, cfg.Agent.Port, "unset agent port keeps its default")
	assert.Equal(t, DriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, "/var/lib/switchboard/state.db", cfg.Storage.DSN)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "switchboard.yaml", `
service:
  port: 8080
  agents:
    - http://localhost:10002
log:
  level: debug
  format: text
tracing:
  enabled: true
  endpoint: localhost:4318
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Service.Port)
	assert.Equal(t, []string{"http://localhost:10002"}, cfg.Service.Agents)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "localhost:4318", cfg.Tracing.Endpoint)
	assert.Equal(t, DispatchRemote, cfg.Service.Dispatch)
}

func TestLoadInvalid(t *testing.T) {
	path := writeConfig(t, "bad.toml", "not [valid toml")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsUnknownValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"driver", "[storage]\ndriver = \"postgres\"\n"},
		{"dispatch", "[service]\ndispatch = \"carrier-pigeon\"\n"},
		{"timeout", "[service]\nagent_timeout = \"soon\"\n"},
		{"sample ratio", "[tracing]\nsample_ratio = 1.5\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "switchboard.toml", tt.content))
			assert.Error(t, err)
		})
	}
}

func TestCurrent(t *testing.T) {
	assert.NotNil(t, Current())
}

func TestDataDir(t *testing.T) {
	assert.NotEmpty(t, DataDir())
}

func TestDataDirEnv(t *testing.T) {
	t.Setenv("SWITCHBOARD_DATA_DIR", "/tmp/custom-switchboard")
	assert.Equal(t, "/tmp/custom-switchboard", DataDir())
}
