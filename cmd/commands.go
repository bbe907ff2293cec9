package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pelusa-v/pelusa-rtc/internal/auth"
	"github.com/pelusa-v/pelusa-rtc/internal/config"
	"github.com/pelusa-v/pelusa-rtc/internal/logging"
	"github.com/pelusa-v/pelusa-rtc/internal/server"
)

type rootOptions struct {
	configName string
	configDir  string
}

func (o rootOptions) load() (*config.Config, *slog.Logger, error) {
	bootLogger := logging.New("info", "text")
	var paths []string
	if o.configDir != "" {
		paths = append(paths, o.configDir)
	}
	cfg, err := config.Load(bootLogger, o.configName, paths...)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func buildServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the WebSocket and HTTP server",
		Long: `Start the server. Presence leases, the online ledger and call records
live in memory or in Redis (store.driver); personal channels are delivered
in process or over NATS (bus.driver). Shuts down on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *opts)
		},
	}
}

func runServe(ctx context.Context, opts rootOptions) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := server.NewApp(logger, cfg)
	if err != nil {
		return err
	}
	if err := app.Run(ctx); err != nil {
		return err
	}
	logger.Info("Application shut down successfully.")
	return nil
}

func buildTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		id    string
		email string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development JWT for an identity",
		Example: `  pelusa-rtc token --id 42 --email ana@example.com
  wscat -c "ws://localhost:3000/api/ws?token=$(pelusa-rtc token --id 42)"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			if !auth.ValidID(id) {
				return fmt.Errorf("invalid --id %q", id)
			}
			tok, err := auth.Issue(cfg.Auth.JWTSecret, auth.Identity{ID: id, Email: email}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "User id placed in the token")
	cmd.Flags().StringVar(&email, "email", "", "User email placed in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pelusa-rtc %s (commit: %s)\n", version, commit)
		},
	}
}
