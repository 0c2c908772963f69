// Package main provides the voxelgate server entry point.
package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aeolun/voxelgate/pkg/logger"
	"github.com/aeolun/voxelgate/pkg/server"
)

var (
	version = "dev"
	commit  = "none"
)

const defaultConfigPath = "~/.voxelgate/config.toml"

func main() {
	rootCmd := &cobra.Command{
		Use:   "voxelgate",
		Short: "voxelgate - a block world server for protocol 5 clients",
		Long: `voxelgate serves a generated block world to protocol 5 (1.7.10) game
clients over TCP and to browser clients over WebSocket. It streams chunk
columns around each player, relays chat and block edits, and keeps player
profiles between sessions.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", defaultConfigPath, "Config file (.toml, .yaml or .yml)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("voxelgate %s (%s)\n", version, commit)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
		RunE:  runServe,
	}
	serveCmd.Flags().String("listen", "", "Game listen address, overrides server.listen_addr")
	serveCmd.Flags().String("websocket", "", "WebSocket listen address, overrides network.websocket_addr")
	serveCmd.Flags().Bool("offline", false, "Skip encryption during login")
	rootCmd.AddCommand(serveCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "init-config [path]",
		Short: "Write a config file with every option and its default",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runInitConfig,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "hash-password",
		Short: "Hash an admin console password for admin.password_hash",
		Args:  cobra.NoArgs,
		RunE:  runHashPassword,
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	fileConfig, err := server.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		fileConfig.Server.ListenAddr = listen
	}
	if ws, _ := cmd.Flags().GetString("websocket"); ws != "" {
		fileConfig.Network.WebSocketAddr = ws
	}
	if offline, _ := cmd.Flags().GetBool("offline"); offline {
		fileConfig.Server.OnlineMode = false
	}

	config, err := fileConfig.ToServerConfig()
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level := logger.ParseLevel(fileConfig.Log.Level)
	logDir, err := fileConfig.LogDir()
	if err != nil {
		return err
	}
	var log logger.Logger
	if logDir == "" {
		log = logger.New(os.Stderr, "voxelgate", level)
	} else if log, err = logger.NewFile("voxelgate", logDir, level); err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}
	defer log.Close()

	log.Info("starting voxelgate",
		logger.F("version", version),
		logger.F("commit", commit),
		logger.F("listen", config.ListenAddr),
		logger.F("websocket", config.WebSocketAddr),
		logger.F("world", config.WorldName),
		logger.F("generator", config.Generator),
		logger.F("online_mode", config.OnlineMode),
		logger.F("max_players", config.MaxPlayers))

	srv, err := server.NewServer(config, log)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := srv.Start(); err != nil {
		_ = srv.Stop()
		return fmt.Errorf("failed to start server: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		log.Info("received signal", logger.F("signal", sig.String()))
	case <-srv.Done():
		// stopped from the admin console
	}
	signal.Stop(sigChan)
	return srv.Stop()
}

func runInitConfig(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	if len(args) == 1 {
		path = args[0]
	}
	path, err := server.ExpandHome(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := server.WriteDefaultConfig(path); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}

func runHashPassword(cmd *cobra.Command, args []string) error {
	password, err := readPassword()
	if err != nil {
		return err
	}
	hash, err := server.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

// readPassword reads one line from stdin. Pipe the password in to keep it
// out of the terminal scrollback.
func readPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
