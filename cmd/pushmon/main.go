package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/coopco/pushmon/internal/api"
	"github.com/coopco/pushmon/internal/bus"
	"github.com/coopco/pushmon/internal/config"
	"github.com/coopco/pushmon/internal/gateway"
	"github.com/coopco/pushmon/internal/monitor"
	"github.com/coopco/pushmon/internal/pushover"
)

var (
	envFile    string
	listenAddr string
)

var rootCmd = &cobra.Command{
	Use:          "pushmon",
	Short:        "Relay filtered Discord messages to Pushover",
	Long:         "pushmon watches configured Discord channels for messages from specific authors, applies content filters and relays matches to Pushover, with a small control API for live status and configuration.",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&envFile, "env-file", ".env", "path to the .env file (missing file is not an error)")
	rootCmd.Flags().StringVar(&listenAddr, "listen", "", "control API listen address (overrides LISTEN_ADDR)")
}

func run(cmd *cobra.Command, args []string) error {
	if err := godotenv.Load(envFile); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})))

	events := bus.NewEventBus(0)
	gw, err := gateway.NewDiscord(cfg.DiscordToken, events)
	if err != nil {
		return err
	}
	dispatcher := pushover.New(cfg.PushoverCredentials())
	session := monitor.New(gw, dispatcher, events,
		cfg.ChannelIDs, cfg.TargetUserIDs, cfg.Filters, cfg.Notifications)
	server := api.New(session, cfg.ListenAddr)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("pushmon starting", "channels", len(cfg.ChannelIDs), "users", len(cfg.TargetUserIDs))
	if err := gw.Open(); err != nil {
		return err
	}
	defer gw.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return session.Run(ctx)
	})
	g.Go(func() error {
		return server.Listen()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("pushmon stopped")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
