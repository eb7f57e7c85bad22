package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ztunnel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadConfigAppliesInspectorDefaults(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
relay: ws://localhost:8080/tunnel
tunnels:
  - name: web
    proto: http
    local_port: 3000
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.True(t, cfg.Inspector.Enabled)
	require.Equal(t, defaultInspectorPort, cfg.Inspector.Port)
	require.Len(t, cfg.Tunnels, 1)
	require.True(t, cfg.Tunnels[0].inspectEnabled())
	require.Equal(t, "127.0.0.1", cfg.Tunnels[0].localHost())
}

func TestLoadConfigRejectsMissingTunnels(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `relay: ws://localhost:8080/tunnel
tunnels: []
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigRejectsUnknownProto(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
relay: ws://localhost:8080/tunnel
tunnels:
  - name: web
    proto: quic
    local_port: 3000
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigRejectsZeroLocalPort(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
relay: ws://localhost:8080/tunnel
tunnels:
  - name: web
    proto: http
    local_port: 0
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigHonoursExplicitInspectorSettings(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
relay: ws://localhost:8080/tunnel
inspector:
  enabled: false
  port: 9090
tunnels:
  - name: web
    proto: tcp
    local_port: 22
    inspect: false
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.False(t, cfg.Inspector.Enabled)
	require.Equal(t, 9090, cfg.Inspector.Port)
	require.False(t, cfg.Tunnels[0].inspectEnabled())
}
