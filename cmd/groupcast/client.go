package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/postalsys/groupcast/internal/client"
	"github.com/postalsys/groupcast/internal/config"
	"github.com/postalsys/groupcast/internal/identity"
	"github.com/postalsys/groupcast/internal/logging"
	"github.com/postalsys/groupcast/internal/metrics"
	"github.com/postalsys/groupcast/internal/reconnect"
	"github.com/postalsys/groupcast/internal/sysinfo"
	"github.com/postalsys/groupcast/internal/transport"
)

// discoveryKey is the reconnector key for server discovery.
const discoveryKey = "server"

var errNoServer = errors.New("no server session yet")

func clientCmd() *cobra.Command {
	var (
		configPath string
		alias      string
	)

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run an interactive client",
		Long: `Join the overlay, discover peers and a server, and read commands from
standard input. Type "help" for the command list.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, id, logger, err := loadNode(configPath)
			if err != nil {
				return err
			}
			if alias != "" {
				cfg.Agent.Alias = alias
			}
			if cfg.Agent.Alias == "" {
				cfg.Agent.Alias = sysinfo.DefaultAlias()
			}

			a, err := client.New(clientConfig(cfg, id, logger))
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}

			con := newConsole(a, os.Stdout)
			a.SubscribeAll(con.onEvent)
			a.SubscribeAll(func(ev client.Event) { logEvent(logger, ev) })

			rec := reconnect.New(reconnectConfig(cfg.Client.Reconnect), func(string) error {
				if a.State() == client.StateConnected {
					return nil
				}
				if err := a.FindServer(); err != nil {
					return err
				}
				return errNoServer
			})
			defer rec.Stop()

			a.Subscribe(client.EventServerConnect, func(client.Event) { rec.Cancel(discoveryKey) })
			a.Subscribe(client.EventServerClose, func(client.Event) { rec.Schedule(discoveryKey) })

			if err := a.Start(context.Background()); err != nil {
				return fmt.Errorf("failed to start client: %w", err)
			}
			defer a.Stop()
			rec.Schedule(discoveryKey)

			stopHealth, err := startHealth(cfg, a, logger)
			if err != nil {
				return err
			}
			defer stopHealth()

			printBanner(os.Stdout, "groupcast client "+sysinfo.Version,
				field{"Node", id.String()},
				field{"Alias", a.Alias()},
				field{"Channel", a.Channels().Clients.String()},
				field{"Addresses", strings.Join(sysinfo.IPv6Addrs(cfg.Multicast.Interface), ", ")},
			)
			fmt.Println(`Type "help" for commands.`)

			done := make(chan struct{})
			go func() {
				defer close(done)
				con.run(os.Stdin)
			}()

			waitForSignal(done)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().StringVarP(&alias, "alias", "a", "", "Alias announced to peers (overrides agent.alias)")

	return cmd
}

func clientConfig(cfg *config.Config, id identity.ID, logger *slog.Logger) client.Config {
	return client.Config{
		ID:                id,
		Alias:             cfg.Agent.Alias,
		Space:             cfg.Space(),
		Port:              cfg.Multicast.Port,
		Zone:              cfg.Multicast.Interface,
		AdvertiseInterval: cfg.Client.AdvertiseInterval,
		CacheMaxAge:       cfg.ClientCache.MaxAge,
		SweepInterval:     cfg.ClientCache.SweepInterval,
		ConnectTimeout:    cfg.Client.ConnectTimeout,
		SolicitRate:       rate.Limit(cfg.Client.SolicitRate),
		SolicitBurst:      cfg.Client.SolicitBurst,
		Listen:            multicastListener(cfg),
		Dial:              transport.NewTCPDialer(cfg.Client.ConnectTimeout),
		Logger:            logger,
		Metrics:           metrics.Default(),
	}
}

func reconnectConfig(rc config.ReconnectConfig) reconnect.Config {
	return reconnect.Config{
		InitialDelay: rc.InitialDelay,
		MaxDelay:     rc.MaxDelay,
		Multiplier:   rc.Multiplier,
		MaxAttempts:  rc.MaxRetries,
		Jitter:       rc.Jitter,
	}
}

// logEvent writes a structured record per event.
func logEvent(logger *slog.Logger, ev client.Event) {
	attrs := []any{"event", string(ev.Kind)}
	if ev.Sender.UUID != "" {
		attrs = append(attrs, logging.KeyPeerID, ev.Sender.UUID, logging.KeyAlias, ev.Sender.Alias)
	}
	if ev.Group.UUID != "" {
		attrs = append(attrs, logging.KeyGroupID, ev.Group.UUID)
	} else if ev.GroupID != "" {
		attrs = append(attrs, logging.KeyGroupID, ev.GroupID)
	}
	if ev.Address != "" {
		attrs = append(attrs, logging.KeyRemoteAddr, ev.Address)
	}
	if ev.Err != nil {
		attrs = append(attrs, logging.KeyError, ev.Err)
		logger.Warn("client event", attrs...)
		return
	}
	logger.Debug("client event", attrs...)
}
