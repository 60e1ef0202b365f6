package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
session:
  participant_id: 0
  authority: true
  announce_self:
    enabled: true
    proxy: player
    owner: player-owner
    append_login_data: true
    login_data: ["alice", 3]
pools:
  - key: missile
  - key: player
    min_size: 8
templates:
  - key: missile
  - key: player
    behavior: noop
  - key: player-owner
eventbus:
  url: nats://127.0.0.1:4222
server:
  rest_port: 9000
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, DefaultTickRate, cfg.Session.TickRate)
	assert.True(t, cfg.Session.CleanupEnabled(), "очистка включена по умолчанию")
	require.Len(t, cfg.Pools, 2)
	assert.Equal(t, DefaultPoolMinSize, cfg.Pools[0].MinSize)
	assert.Equal(t, 8, cfg.Pools[1].MinSize)
	assert.Equal(t, "noop", cfg.Templates[0].Behavior)
	assert.Equal(t, DefaultStream, cfg.EventBus.Stream)
	assert.Equal(t, DefaultCompressThreshold, cfg.EventBus.CompressThreshold)
	assert.Equal(t, DefaultPublishTimeoutMs, cfg.EventBus.PublishTimeoutMs)
	assert.Equal(t, []interface{}{"alice", 3}, cfg.Session.AnnounceSelf.LoginData)
	assert.Equal(t, 9000, cfg.Server.GetRESTPort())
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Session.ParticipantID = 4
	cfg.Templates = []TemplateConfig{{Key: "door", ManualViewID: 3}, {Key: "door"}}
	cfg.Pools = []PoolConfig{{Key: "door", MinSize: 1}, {Key: "ghost", MinSize: 1}}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "authority must be participant 0")
	assert.Contains(t, msg, "duplicate key \"door\"")
	assert.Contains(t, msg, "manual_view_id")
	assert.Contains(t, msg, "unknown template \"ghost\"")
}

func TestValidateClientParticipant(t *testing.T) {
	cfg := Default()
	cfg.Session.Authority = false
	require.Error(t, cfg.Validate(), "участник 0 зарезервирован")

	cfg.Session.ParticipantID = 2
	require.NoError(t, cfg.Validate())
}

func TestValidateJWTSecret(t *testing.T) {
	cfg := Default()
	cfg.Auth.JWTSecret = "c2hvcnQ="
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 32 bytes")
}

func TestCleanupCanBeDisabled(t *testing.T) {
	cfg, err := Parse([]byte("session:\n  authority: true\n  cleanup_after_participants: false\n"))
	require.NoError(t, err)
	assert.False(t, cfg.Session.CleanupEnabled())
}

func TestPortEnvFallback(t *testing.T) {
	t.Setenv("SPAWN_METRICS_PORT", "9555")
	s := ServerConfig{}
	assert.Equal(t, 9555, s.GetMetricsPort())
	assert.Equal(t, 8088, s.GetRESTPort())

	t.Setenv("SPAWN_REST_PORT", "not-a-port")
	assert.Equal(t, 8088, s.GetRESTPort())
}

func TestLoadFromEnvPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spawn.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	t.Setenv("SPAWN_CONFIG", path)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Session.AnnounceSelf.Enabled)

	t.Setenv("SPAWN_CONFIG", "")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg, "без пути используется конфигурация по умолчанию")

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestParseRejectsBrokenYAML(t *testing.T) {
	_, err := Parse([]byte("session: [unterminated"))
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "parse config"))
}
