package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "canhub.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  name: coach-hub
nats:
  url: nats://bus:4222
log:
  level: debug
channels:
  - name: house
    protocol: rvc
  - name: chassis
    protocol: j1939
scheduler:
  queue_capacity: 256
  batch_size: 8
reassembly:
  session_timeout: 500ms
security:
  mode: audit
  message_ceiling: 50
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "coach-hub", cfg.Server.Name)
	assert.Equal(t, "nats://bus:4222", cfg.NATS.URL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 256, cfg.Scheduler.QueueCapacity)
	assert.Equal(t, 500*time.Millisecond, cfg.Reassembly.SessionTimeout)
	assert.Equal(t, "audit", cfg.Security.Mode)
	assert.Equal(t, 50, cfg.Security.MessageCeiling)
}

func TestLoad_DefaultsFilled(t *testing.T) {
	cfg, err := Load(writeConfig(t, `server: {name: minimal}`))
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 1024, cfg.Scheduler.QueueCapacity)
	assert.Equal(t, 750*time.Millisecond, cfg.Reassembly.SessionTimeout)
	assert.Equal(t, "enforce", cfg.Security.Mode)
	assert.Equal(t, 30*time.Second, cfg.Security.IsolationTime)
	require.Len(t, cfg.Channels, 2)
	assert.Equal(t, "house", cfg.Channels[0].Name)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("NATS_URL", "nats://override:4222")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("SECURITY_MODE", "bypass")

	cfg, err := Load(writeConfig(t, `nats: {url: nats://file:4222}`))
	require.NoError(t, err)
	assert.Equal(t, "nats://override:4222", cfg.NATS.URL)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "bypass", cfg.Security.Mode)
}

func TestLoad_InvalidSecurityMode(t *testing.T) {
	_, err := Load(writeConfig(t, `security: {mode: yolo}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "security mode")
}

func TestLoad_InvalidChannelProtocol(t *testing.T) {
	_, err := Load(writeConfig(t, `
channels:
  - name: house
    protocol: modbus
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown protocol")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "canhub", cfg.Server.Name)
	assert.Equal(t, 2, cfg.Scheduler.Workers)
}
