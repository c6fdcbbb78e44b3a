package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"harvester/internal/config"
	"harvester/internal/logging"
	"harvester/internal/metrics"
	"harvester/internal/session"
	"harvester/internal/store"
	"harvester/internal/xclient"
)

var rootCmd = &cobra.Command{
	Use:           "harvester",
	Short:         "Collect tweets about an event from the X API into a relational store",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "./harvester.yaml", "config path")
	rootCmd.PersistentFlags().String("log-level", "", "debug, info, warn or error (overrides config)")
	rootCmd.AddCommand(initCmd, provisionCmd, searchCmd, streamCmd, rulesCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("load config %s: %w", path, err)
	}
	lvl := cfg.Logging.Level
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		lvl = v
	}
	logging.SetLevel(lvl)
	return cfg, nil
}

func openSink(ctx context.Context, cfg config.Config) (*store.Sink, error) {
	sink, err := store.Open(ctx, cfg.Sink.Driver, cfg.Sink.DSN, session.Tables(cfg))
	if err != nil {
		return nil, err
	}
	// a local database is created on first use
	if sink.Dialect() == store.SQLite {
		if err := sink.Provision(ctx); err != nil {
			_ = sink.Close()
			return nil, err
		}
	}
	return sink, nil
}

func mustLoadClient(cfg config.Config) *xclient.HTTPClient {
	if cfg.Credentials.BearerToken == "" {
		logging.Warn("missing_bearer_token", map[string]any{"hint": "set X_BEARER_TOKEN; API calls will fail"})
	}
	return xclient.NewHTTPClient(cfg.Credentials.BearerToken)
}

// withSession loads config, starts the metrics server and opens the sink for one command.
func withSession(cmd *cobra.Command, f func(ctx context.Context, s *session.Session) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if srv := metrics.StartServer(cfg.Metrics.Addr); srv != nil {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}
	sink, err := openSink(ctx, cfg)
	if err != nil {
		return err
	}
	defer sink.Close()
	return f(ctx, session.New(cfg, mustLoadClient(cfg), sink))
}
