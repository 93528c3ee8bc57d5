package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/axismundi/amallo/internal/announce"
	"github.com/axismundi/amallo/internal/announce/discord"
	"github.com/axismundi/amallo/internal/announce/slack"
	"github.com/axismundi/amallo/internal/audit"
	"github.com/axismundi/amallo/internal/broadcast"
	"github.com/axismundi/amallo/internal/config"
	"github.com/axismundi/amallo/internal/daemon"
	"github.com/axismundi/amallo/internal/db"
	"github.com/axismundi/amallo/internal/gateway"
	"github.com/axismundi/amallo/internal/inference"
	"github.com/axismundi/amallo/internal/keystore"
	"github.com/axismundi/amallo/internal/models"
	"github.com/axismundi/amallo/internal/registry"
	"github.com/axismundi/amallo/internal/remote"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		Long:  "Starts the OpenAI-compatible gateway with key auth, model routing, SSH sessions and the broadcast slot.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "amallo.yaml", "path to Amallo config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "override listen.port")
	return cmd
}

// loadConfig reads path. A missing file at the default path falls back to
// built-in defaults; an explicitly named file must exist.
func loadConfig(cmd *cobra.Command, path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config") {
		return config.Default(), nil
	}
	return nil, fmt.Errorf("load config: %w", err)
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	cfg, err := loadConfig(cmd, configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Listen.Port = port
	}

	app, err := buildApp(cfg, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	return app.server.Start(ctx, gateway.StartOpts{
		Addr: cfg.Listen.Addr(),
		Out:  cmd.OutOrStdout(),
	})
}

// app is the composed gateway and the resources it owns.
type app struct {
	server   *gateway.Server
	sessions *remote.Manager
	relay    *announce.Relay
}

// Close stops the sweep, drops every session and drains pending relays.
func (a *app) Close() {
	a.sessions.Close()
	a.relay.Wait()
}

// buildApp wires every state object from cfg.
func buildApp(cfg *config.Config, out io.Writer) (*app, error) {
	keys, err := keystore.Open(keystore.Opts{
		Path:              cfg.KeysFile,
		BootstrapIdentity: cfg.BootstrapIdentity,
		Out:               out,
	})
	if err != nil {
		return nil, err
	}

	client := daemon.New(cfg.Models.DaemonURL, nil)
	reg := registry.New(registry.Opts{
		Lister:      client,
		Dir:         cfg.Models.Dir,
		Extension:   cfg.Models.Extension,
		Default:     cfg.Models.Default,
		Aliases:     cfg.Models.Aliases,
		ListTimeout: cfg.Models.ListTimeout(),
	})
	disp := inference.New(inference.Opts{
		Daemon:        client,
		DaemonTimeout: cfg.Models.DaemonTimeout(),
		CLI: &inference.CLIOpts{
			Binaries: cfg.Models.CLIBinaries,
			Files:    reg,
			Timeout:  cfg.Models.CLITimeout(),
		},
		Registry: reg,
		Persona:  inference.NewPersona(cfg.Models.Personas, cfg.Models.Profile),
	})

	auditLog, err := openAudit(cfg.Audit)
	if err != nil {
		return nil, err
	}

	sessions := remote.NewManager(remote.Opts{
		TTL:            cfg.Remote.SessionTTL(),
		SweepInterval:  cfg.Remote.SweepInterval(),
		ConnectTimeout: cfg.Remote.ConnectTimeout(),
		ExecTimeout:    cfg.Remote.ExecTimeout(),
		InferTimeout:   cfg.Remote.InferTimeout(),
		DaemonURL:      cfg.Remote.DaemonURL,
		GatewayURL:     cfg.Remote.GatewayURL,
		GatewayKey:     cfg.Remote.GatewayKey,
		OnExpire: func(info remote.Info) {
			auditLog.Record(models.AuditEntry{
				Action:    models.ActionExpire,
				SessionID: info.ID,
				Detail:    info.Node(),
			})
		},
	})

	relay, err := buildRelay(cfg.Broadcast)
	if err != nil {
		sessions.Close()
		return nil, err
	}

	srv, err := gateway.New(gateway.Opts{
		Node:        cfg.Node,
		Keys:        keys,
		Registry:    reg,
		Dispatcher:  disp,
		Sessions:    sessions,
		Broadcast:   broadcast.NewSlot(cfg.Broadcast.AdminSecret, nil),
		DefaultFrom: cfg.Broadcast.DefaultFrom,
		Relay:       relay,
		Audit:       auditLog,
	})
	if err != nil {
		sessions.Close()
		return nil, err
	}
	return &app{server: srv, sessions: sessions, relay: relay}, nil
}

// openAudit returns nil when auditing is disabled.
func openAudit(cfg config.AuditConfig) (*audit.Log, error) {
	gormDB, err := db.Open(cfg)
	if errors.Is(err, db.ErrDisabled) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	log.Printf("audit: recording to %s", cfg.Driver)
	return audit.New(gormDB, time.Now), nil
}

// buildRelay creates an announcer for every configured broadcast channel.
func buildRelay(cfg config.BroadcastConfig) (*announce.Relay, error) {
	var announcers []announce.Announcer
	if cfg.Slack.BotToken != "" {
		a, err := slack.New(slack.Opts{BotToken: cfg.Slack.BotToken, ChannelID: cfg.Slack.ChannelID})
		if err != nil {
			return nil, err
		}
		announcers = append(announcers, a)
	}
	if cfg.Discord.BotToken != "" {
		a, err := discord.New(discord.Opts{BotToken: cfg.Discord.BotToken, ChannelID: cfg.Discord.ChannelID})
		if err != nil {
			return nil, err
		}
		announcers = append(announcers, a)
	}
	return announce.NewRelay(0, announcers...), nil
}
