package server

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
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigTOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[server]
listen_addr = ":25570"
max_players = 5
online_mode = false
game_mode = "survival"

[world]
generator = "flat"
seed = "abc"

[limits]
view_radius = 40

[network]
websocket_addr = ":8080"
chain_by_opcode = false
`)

	fc, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":25570", fc.Server.ListenAddr)
	assert.Equal(t, "A voxelgate server", fc.Server.MOTD, "unset keys keep their defaults")

	cfg, err := fc.ToServerConfig()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxPlayers)
	assert.False(t, cfg.OnlineMode)
	assert.Equal(t, uint8(0), cfg.GameMode)
	assert.Equal(t, "flat", cfg.Generator)
	assert.Equal(t, "abc", cfg.WorldSeed)
	assert.Equal(t, MaxViewRadius, cfg.ViewRadius, "the radius is capped")
	assert.Equal(t, ":8080", cfg.WebSocketAddr)
	assert.False(t, cfg.Chain.SplitOnOpcodeChange)
	assert.Equal(t, 15*time.Second, cfg.PingInterval)
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  motd: from yaml
  game_mode: adventure
storage:
  data_dir: /tmp/voxelgate-world
  snapshot_interval_seconds: 5
metrics:
  addr: "127.0.0.1:9191"
`)

	fc, err := LoadConfig(path)
	require.NoError(t, err)
	cfg, err := fc.ToServerConfig()
	require.NoError(t, err)
	assert.Equal(t, "from yaml", cfg.MOTD)
	assert.Equal(t, uint8(2), cfg.GameMode)
	assert.Equal(t, "/tmp/voxelgate-world", cfg.DataDir)
	assert.Equal(t, 5*time.Second, cfg.SnapshotInterval)
	assert.Equal(t, "127.0.0.1:9191", cfg.MetricsAddr)
	assert.True(t, cfg.OnlineMode)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeConfig(t, "config.toml", "[server]\nmax_players = 5\n")
	t.Setenv("VOXELGATE_SERVER_MAX_PLAYERS", "64")
	t.Setenv("VOXELGATE_SERVER_ONLINE_MODE", "false")
	t.Setenv("VOXELGATE_LIMITS_VIEW_RADIUS", "not a number")
	t.Setenv("VOXELGATE_LOG_LEVEL", "debug")

	fc, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 64, fc.Server.MaxPlayers)
	assert.False(t, fc.Server.OnlineMode)
	assert.Equal(t, 8, fc.Limits.ViewRadius, "unparsable overrides are ignored")
	assert.Equal(t, "debug", fc.Log.Level)
}

func TestLoadConfigWritesDefault(t *testing.T) {
	for _, name := range []string{"config.toml", "config.yml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)

			fc, err := LoadConfig(path)
			require.NoError(t, err)
			assert.Equal(t, DefaultFileConfig().Server, fc.Server)
			require.FileExists(t, path)

			again, err := LoadConfig(path)
			require.NoError(t, err)
			assert.Equal(t, fc.Server, again.Server)
			assert.Equal(t, fc.Limits, again.Limits)
		})
	}
}

func TestLoadConfigRejectsGarbage(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "config.toml", "[server\nmax_players = "))
	assert.Error(t, err)
	_, err = LoadConfig(writeConfig(t, "config.yaml", "server: [unclosed"))
	assert.Error(t, err)
}

func TestToServerConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*FileConfig)
		want   string
	}{
		{"game mode", func(c *FileConfig) { c.Server.GameMode = "hardcore" }, "unknown game_mode"},
		{"generator", func(c *FileConfig) { c.World.Generator = "caves" }, "unknown generator"},
		{"console without password", func(c *FileConfig) { c.Admin.SSHAddr = ":2222" }, "password_hash"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := DefaultFileConfig()
			tt.mutate(&fc)
			_, err := fc.ToServerConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestToServerConfigExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	fc := DefaultFileConfig()
	cfg, err := fc.ToServerConfig()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".voxelgate", "world"), cfg.DataDir)
	assert.Equal(t, filepath.Join(home, ".voxelgate", "players.db"), cfg.PlayerDB)
	assert.Equal(t, filepath.Join(home, ".voxelgate", "ssh_host_key"), cfg.SSHHostKeyPath)
	assert.Equal(t, "admin", cfg.AdminUser)
	assert.Equal(t, uint8(1), cfg.GameMode)
}
