package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/postalsys/groupcast/internal/metrics"
	"github.com/postalsys/groupcast/internal/server"
	"github.com/postalsys/groupcast/internal/sysinfo"
)

func serverCmd() *cobra.Command {
	var (
		configPath string
		address    string
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the coordinating server",
		Long:  "Answer server solicitations and serve the group directory to clients over TCP.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, id, logger, err := loadNode(configPath)
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Server.Address = address
			}

			srv, err := server.New(server.Config{
				ID:       id,
				Alias:    cfg.Server.Alias,
				Space:    cfg.Space(),
				Port:     cfg.Multicast.Port,
				Address:  cfg.Server.Address,
				Zone:     cfg.Multicast.Interface,
				GroupTTL: cfg.Server.GroupTTL,
				Listen:   multicastListener(cfg),
				Logger:   logger,
				Metrics:  metrics.Default(),
			})
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}

			if err := srv.Start(context.Background()); err != nil {
				return fmt.Errorf("failed to start server: %w", err)
			}
			defer srv.Stop()

			stopHealth, err := startHealth(cfg, srv, logger)
			if err != nil {
				return err
			}
			defer stopHealth()

			printBanner(os.Stdout, "groupcast server "+sysinfo.Version,
				field{"Node", id.String()},
				field{"Listen", srv.Addr().String()},
				field{"Channel", srv.Profile().Channel.String()},
			)

			waitForSignal(nil)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().StringVarP(&address, "listen", "l", "", "TCP listen address (overrides server.address)")

	return cmd
}
