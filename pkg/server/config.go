package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// FileConfig represents the structure of the server config file. TOML is
// the default format; files ending in .yaml or .yml are read as YAML.
type FileConfig struct {
	Server  ServerSection  `toml:"server" yaml:"server"`
	World   WorldSection   `toml:"world" yaml:"world"`
	Limits  LimitsSection  `toml:"limits" yaml:"limits"`
	Network NetworkSection `toml:"network" yaml:"network"`
	Storage StorageSection `toml:"storage" yaml:"storage"`
	Metrics MetricsSection `toml:"metrics" yaml:"metrics"`
	Admin   AdminSection   `toml:"admin" yaml:"admin"`
	Log     LogSection     `toml:"log" yaml:"log"`
}

type ServerSection struct {
	ListenAddr string `toml:"listen_addr" yaml:"listen_addr"`
	MaxPlayers int    `toml:"max_players" yaml:"max_players"`
	MOTD       string `toml:"motd" yaml:"motd"`
	OnlineMode bool   `toml:"online_mode" yaml:"online_mode"`
	GameMode   string `toml:"game_mode" yaml:"game_mode"`
}

type WorldSection struct {
	Name            string `toml:"name" yaml:"name"`
	Seed            string `toml:"seed" yaml:"seed"`
	Generator       string `toml:"generator" yaml:"generator"`
	CacheTTLSeconds int    `toml:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`
}

type LimitsSection struct {
	ViewRadius          int `toml:"view_radius" yaml:"view_radius"`
	WorkerPoolSize      int `toml:"worker_pool_size" yaml:"worker_pool_size"`
	GeneratorWorkers    int `toml:"generator_workers" yaml:"generator_workers"`
	MaxOutboundBytes    int `toml:"max_outbound_bytes" yaml:"max_outbound_bytes"`
	LoginTimeoutSeconds int `toml:"login_timeout_seconds" yaml:"login_timeout_seconds"`
}

type NetworkSection struct {
	WebSocketAddr       string `toml:"websocket_addr" yaml:"websocket_addr"`
	PingIntervalSeconds int    `toml:"ping_interval_seconds" yaml:"ping_interval_seconds"`
	ChainByOpcode       bool   `toml:"chain_by_opcode" yaml:"chain_by_opcode"`
}

type StorageSection struct {
	DataDir                 string `toml:"data_dir" yaml:"data_dir"`
	PlayerDB                string `toml:"player_db" yaml:"player_db"`
	SnapshotIntervalSeconds int    `toml:"snapshot_interval_seconds" yaml:"snapshot_interval_seconds"`
}

type MetricsSection struct {
	Addr string `toml:"addr" yaml:"addr"`
}

type AdminSection struct {
	SSHAddr      string `toml:"ssh_addr" yaml:"ssh_addr"`
	SSHHostKey   string `toml:"ssh_host_key" yaml:"ssh_host_key"`
	User         string `toml:"user" yaml:"user"`
	PasswordHash string `toml:"password_hash" yaml:"password_hash"`
}

type LogSection struct {
	Level string `toml:"level" yaml:"level"`
	Dir   string `toml:"dir" yaml:"dir"`
}

// DefaultFileConfig returns the default file configuration
func DefaultFileConfig() FileConfig {
	return FileConfig{
		Server: ServerSection{
			ListenAddr: ":25565",
			MaxPlayers: 20,
			MOTD:       "A voxelgate server",
			OnlineMode: true,
			GameMode:   "creative",
		},
		World: WorldSection{
			Name:            "world",
			Seed:            "voxelgate",
			Generator:       "terrain",
			CacheTTLSeconds: 300,
		},
		Limits: LimitsSection{
			ViewRadius:          8,
			WorkerPoolSize:      8,
			GeneratorWorkers:    4,
			MaxOutboundBytes:    8 << 20,
			LoginTimeoutSeconds: 30,
		},
		Network: NetworkSection{
			PingIntervalSeconds: 15,
			ChainByOpcode:       true,
		},
		Storage: StorageSection{
			DataDir:                 "~/.voxelgate/world",
			PlayerDB:                "~/.voxelgate/players.db",
			SnapshotIntervalSeconds: 30,
		},
		Metrics: MetricsSection{
			Addr: ":9090",
		},
		Admin: AdminSection{
			SSHHostKey: "~/.voxelgate/ssh_host_key",
			User:       "admin",
		},
		Log: LogSection{
			Level: "info",
		},
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// ExpandHome expands a leading ~/ to the user's home directory.
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// LoadConfig loads configuration from a file, creates a default one if not
// found, and applies environment variable overrides
func LoadConfig(path string) (FileConfig, error) {
	path, err := ExpandHome(path)
	if err != nil {
		return FileConfig{}, err
	}

	config := DefaultFileConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// an unwritable location still runs on defaults
		_ = WriteDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

	if isYAML(path) {
		data, err := os.ReadFile(path)
		if err != nil {
			return FileConfig{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return FileConfig{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if _, err := toml.DecodeFile(path, &config); err != nil {
		return FileConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

func envString(dst *string, key string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func envInt(dst *int, key string) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: VOXELGATE_SECTION_KEY
// Example: VOXELGATE_SERVER_LISTEN_ADDR=:25566
func applyEnvOverrides(config FileConfig) FileConfig {
	envString(&config.Server.ListenAddr, "VOXELGATE_SERVER_LISTEN_ADDR")
	envInt(&config.Server.MaxPlayers, "VOXELGATE_SERVER_MAX_PLAYERS")
	envString(&config.Server.MOTD, "VOXELGATE_SERVER_MOTD")
	envBool(&config.Server.OnlineMode, "VOXELGATE_SERVER_ONLINE_MODE")
	envString(&config.Server.GameMode, "VOXELGATE_SERVER_GAME_MODE")

	envString(&config.World.Name, "VOXELGATE_WORLD_NAME")
	envString(&config.World.Seed, "VOXELGATE_WORLD_SEED")
	envString(&config.World.Generator, "VOXELGATE_WORLD_GENERATOR")
	envInt(&config.World.CacheTTLSeconds, "VOXELGATE_WORLD_CACHE_TTL_SECONDS")

	envInt(&config.Limits.ViewRadius, "VOXELGATE_LIMITS_VIEW_RADIUS")
	envInt(&config.Limits.WorkerPoolSize, "VOXELGATE_LIMITS_WORKER_POOL_SIZE")
	envInt(&config.Limits.GeneratorWorkers, "VOXELGATE_LIMITS_GENERATOR_WORKERS")
	envInt(&config.Limits.MaxOutboundBytes, "VOXELGATE_LIMITS_MAX_OUTBOUND_BYTES")
	envInt(&config.Limits.LoginTimeoutSeconds, "VOXELGATE_LIMITS_LOGIN_TIMEOUT_SECONDS")

	envString(&config.Network.WebSocketAddr, "VOXELGATE_NETWORK_WEBSOCKET_ADDR")
	envInt(&config.Network.PingIntervalSeconds, "VOXELGATE_NETWORK_PING_INTERVAL_SECONDS")
	envBool(&config.Network.ChainByOpcode, "VOXELGATE_NETWORK_CHAIN_BY_OPCODE")

	envString(&config.Storage.DataDir, "VOXELGATE_STORAGE_DATA_DIR")
	envString(&config.Storage.PlayerDB, "VOXELGATE_STORAGE_PLAYER_DB")
	envInt(&config.Storage.SnapshotIntervalSeconds, "VOXELGATE_STORAGE_SNAPSHOT_INTERVAL_SECONDS")

	envString(&config.Metrics.Addr, "VOXELGATE_METRICS_ADDR")

	envString(&config.Admin.SSHAddr, "VOXELGATE_ADMIN_SSH_ADDR")
	envString(&config.Admin.SSHHostKey, "VOXELGATE_ADMIN_SSH_HOST_KEY")
	envString(&config.Admin.User, "VOXELGATE_ADMIN_USER")
	envString(&config.Admin.PasswordHash, "VOXELGATE_ADMIN_PASSWORD_HASH")

	envString(&config.Log.Level, "VOXELGATE_LOG_LEVEL")
	envString(&config.Log.Dir, "VOXELGATE_LOG_DIR")
	return config
}

const defaultTOML = `# voxelgate server configuration
# This file was auto-generated with default values.
# Restart the server for changes to take effect.
#
# Environment variables override these settings:
# VOXELGATE_SECTION_KEY (e.g. VOXELGATE_SERVER_LISTEN_ADDR=:25566)

[server]
listen_addr = ":25565"
max_players = 20
motd = "A voxelgate server"

# Encrypt every connection with the RSA/AES handshake
online_mode = true

# creative, survival or adventure
game_mode = "creative"

[world]
name = "world"
seed = "voxelgate"

# terrain (rolling hills) or flat
generator = "terrain"

# Seconds an unused column stays in memory
cache_ttl_seconds = 300

[limits]
# Chunks streamed in each direction around the player
view_radius = 8

# Goroutines executing packet handlers
worker_pool_size = 8

# Goroutines generating and loading columns
generator_workers = 4

# Bytes a client may fall behind before it is disconnected
max_outbound_bytes = 8388608

# Seconds a connection may take to reach the Play state
login_timeout_seconds = 30

[network]
# Browser clients connect here over WebSocket; empty disables
# websocket_addr = ":25580"

ping_interval_seconds = 15

# Group consecutive packets with the same opcode into one execution chain
chain_by_opcode = true

[storage]
# Edited columns are stored here; empty keeps them in memory only
data_dir = "~/.voxelgate/world"

# SQLite database with player profiles; empty disables persistence
player_db = "~/.voxelgate/players.db"
snapshot_interval_seconds = 30

[metrics]
# Prometheus /metrics and /health; never expose publicly
addr = ":9090"

[admin]
# SSH admin console; empty disables
# ssh_addr = ":25566"
ssh_host_key = "~/.voxelgate/ssh_host_key"
user = "admin"

# bcrypt hash, generate with: voxelgate hash-password
# password_hash = ""

[log]
# debug, info, warn or error
level = "info"

# Daily rotated log files are written here; empty logs to stderr
# dir = "~/.voxelgate/logs"
`

// WriteDefaultConfig writes the default config to path with every option
// documented. YAML paths get a plain YAML rendering of the defaults.
func WriteDefaultConfig(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var content []byte
	if isYAML(path) {
		b, err := yaml.Marshal(DefaultFileConfig())
		if err != nil {
			return fmt.Errorf("failed to render config: %w", err)
		}
		content = b
	} else {
		content = []byte(defaultTOML)
	}

	if err := os.WriteFile(path, content, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func parseGameMode(s string) (uint8, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "survival", "0":
		return 0, true
	case "creative", "1":
		return 1, true
	case "adventure", "2":
		return 2, true
	}
	return 0, false
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// ToServerConfig converts the file config to the runtime ServerConfig.
// Zero values keep the defaults.
func (c *FileConfig) ToServerConfig() (ServerConfig, error) {
	cfg := DefaultConfig()

	if c.Server.ListenAddr != "" {
		cfg.ListenAddr = c.Server.ListenAddr
	}
	if c.Server.MaxPlayers > 0 {
		cfg.MaxPlayers = c.Server.MaxPlayers
	}
	if c.Server.MOTD != "" {
		cfg.MOTD = c.Server.MOTD
	}
	cfg.OnlineMode = c.Server.OnlineMode
	if c.Server.GameMode != "" {
		mode, ok := parseGameMode(c.Server.GameMode)
		if !ok {
			return cfg, fmt.Errorf("unknown game_mode %q", c.Server.GameMode)
		}
		cfg.GameMode = mode
	}

	if c.World.Name != "" {
		cfg.WorldName = c.World.Name
	}
	cfg.WorldSeed = c.World.Seed
	switch c.World.Generator {
	case "", "terrain", "flat":
		if c.World.Generator != "" {
			cfg.Generator = c.World.Generator
		}
	default:
		return cfg, fmt.Errorf("unknown generator %q", c.World.Generator)
	}
	if c.World.CacheTTLSeconds > 0 {
		cfg.CacheTTL = seconds(c.World.CacheTTLSeconds)
	}

	if c.Limits.ViewRadius > 0 {
		cfg.ViewRadius = min(c.Limits.ViewRadius, MaxViewRadius)
	}
	if c.Limits.WorkerPoolSize > 0 {
		cfg.WorkerPoolSize = c.Limits.WorkerPoolSize
	}
	if c.Limits.GeneratorWorkers > 0 {
		cfg.GeneratorWorkers = c.Limits.GeneratorWorkers
	}
	if c.Limits.MaxOutboundBytes > 0 {
		cfg.MaxOutboundBytes = c.Limits.MaxOutboundBytes
	}
	if c.Limits.LoginTimeoutSeconds > 0 {
		cfg.LoginTimeout = seconds(c.Limits.LoginTimeoutSeconds)
	}

	cfg.WebSocketAddr = c.Network.WebSocketAddr
	if c.Network.PingIntervalSeconds > 0 {
		cfg.PingInterval = seconds(c.Network.PingIntervalSeconds)
	}
	cfg.Chain.SplitOnOpcodeChange = c.Network.ChainByOpcode

	dataDir, err := ExpandHome(c.Storage.DataDir)
	if err != nil {
		return cfg, err
	}
	cfg.DataDir = dataDir
	playerDB, err := ExpandHome(c.Storage.PlayerDB)
	if err != nil {
		return cfg, err
	}
	cfg.PlayerDB = playerDB
	if c.Storage.SnapshotIntervalSeconds > 0 {
		cfg.SnapshotInterval = seconds(c.Storage.SnapshotIntervalSeconds)
	}

	cfg.MetricsAddr = c.Metrics.Addr

	cfg.SSHAddr = c.Admin.SSHAddr
	if c.Admin.SSHHostKey != "" {
		hostKey, err := ExpandHome(c.Admin.SSHHostKey)
		if err != nil {
			return cfg, err
		}
		cfg.SSHHostKeyPath = hostKey
	}
	if c.Admin.User != "" {
		cfg.AdminUser = c.Admin.User
	}
	cfg.AdminPasswordHash = c.Admin.PasswordHash

	if cfg.SSHAddr != "" && cfg.AdminPasswordHash == "" {
		return cfg, fmt.Errorf("admin.ssh_addr is set but admin.password_hash is empty")
	}
	return cfg, nil
}

// LogDir returns the log directory with ~ expanded.
func (c *FileConfig) LogDir() (string, error) {
	return ExpandHome(c.Log.Dir)
}
