// Package main provides the CLI entry point for groupcast nodes.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/postalsys/groupcast/internal/config"
	"github.com/postalsys/groupcast/internal/health"
	"github.com/postalsys/groupcast/internal/identity"
	"github.com/postalsys/groupcast/internal/logging"
	"github.com/postalsys/groupcast/internal/sysinfo"
	"github.com/postalsys/groupcast/internal/transport"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "groupcast",
		Short: "groupcast - IPv6 multicast peer discovery and group messaging",
		Long: `groupcast discovers peers on a local IPv6 network over well-known
multicast channels and lets them form named groups, each with its own
multicast channel allocated by a coordinating server.

Run "groupcast server" on one host and "groupcast client" on every
participant.`,
		Version: sysinfo.Version,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(clientCmd())
	rootCmd.AddCommand(serverCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var (
		configPath string
		dataDir    string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a node",
		Long:  "Create the data directory, generate the node identity and write a default configuration file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, created, err := identity.LoadOrCreate(dataDir)
			if err != nil {
				return fmt.Errorf("failed to initialize node: %w", err)
			}
			if created {
				fmt.Printf("Node initialized in %s\n", dataDir)
			} else {
				fmt.Printf("Node already initialized in %s\n", dataDir)
			}
			fmt.Printf("Node ID: %s\n", id.String())

			if _, err := os.Stat(configPath); err == nil {
				fmt.Printf("Config %s exists, leaving it unchanged\n", configPath)
				return nil
			} else if !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("failed to check config: %w", err)
			}

			cfg := config.Default()
			cfg.Agent.DataDir = dataDir
			if err := os.WriteFile(configPath, []byte(cfg.String()), 0644); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			fmt.Printf("Config written to %s\n", configPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path of the configuration file to create")
	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for persistent state")

	return cmd
}

// loadNode loads the configuration and resolves the node identity.
func loadNode(configPath string) (*config.Config, identity.ID, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, identity.ID{}, nil, fmt.Errorf("failed to load config: %w", err)
	}

	id, err := identity.Resolve(cfg.Agent.ID, cfg.Agent.DataDir)
	if err != nil {
		return nil, identity.ID{}, nil, fmt.Errorf("failed to resolve node ID: %w", err)
	}

	logger := logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)
	return cfg, id, logger, nil
}

func multicastListener(cfg *config.Config) transport.ListenFunc {
	return transport.MulticastListener(transport.MulticastOptions{
		Interface: cfg.Multicast.Interface,
		HopLimit:  cfg.Multicast.HopLimit,
		Loopback:  cfg.Multicast.Loopback,
	})
}

// startHealth starts the health server when enabled. The returned function
// stops it.
func startHealth(cfg *config.Config, provider health.StatsProvider, logger *slog.Logger) (func(), error) {
	if !cfg.Health.Enabled {
		return func() {}, nil
	}

	srv := health.NewServer(health.ServerConfig{
		Address:      cfg.Health.Address,
		ReadTimeout:  cfg.Health.ReadTimeout,
		WriteTimeout: cfg.Health.WriteTimeout,
	}, provider)
	if err := srv.Start(); err != nil {
		return nil, fmt.Errorf("failed to start health server: %w", err)
	}

	logger.Info("health server listening", logging.KeyAddress, srv.Address().String())
	return func() { srv.Stop() }, nil
}

// waitForSignal blocks until SIGINT or SIGTERM, or until done is closed.
func waitForSignal(done <-chan struct{}) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
	case <-done:
	}
}
