// Command vaultd serves the vault's HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Hussein-Mazeh/keyvault/internal/app"
	"github.com/Hussein-Mazeh/keyvault/internal/backup"
	"github.com/Hussein-Mazeh/keyvault/internal/config"
	"github.com/Hussein-Mazeh/keyvault/internal/logging"
	"github.com/Hussein-Mazeh/keyvault/internal/server"
)

const shutdownTimeout = 10 * time.Second

var version = "dev"

type flags struct {
	configPath string
	addr       string
	dbPath     string
	logLevel   string
	pretty     bool
}

func main() {
	err := newRootCmd().ExecuteContext(context.Background())
	memguard.Purge()
	if err != nil {
		fmt.Fprintf(os.Stderr, "vaultd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:           "vaultd",
		Short:         "Serve the password vault over HTTP",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "vault.yaml", "path to YAML config file")
	cmd.Flags().StringVar(&f.addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&f.dbPath, "db", "", "SQLite database path (overrides config)")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "log level (overrides config)")
	cmd.Flags().BoolVar(&f.pretty, "pretty", false, "human-readable logs")
	return cmd
}

func loadConfig(cmd *cobra.Command, f flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.addr != "" {
		cfg.Server.Addr = f.addr
	}
	if f.dbPath != "" {
		cfg.Database.Path = f.dbPath
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if cmd.Flags().Changed("pretty") {
		cfg.Log.Pretty = f.pretty
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logging.New(cfg.Log.Level, cfg.Log.Pretty, os.Stderr)

	a, err := app.Open(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error().Err(err).Msg("close database")
		}
	}()

	srv := server.New(a.Service, server.Options{
		Backups:        a.Backups,
		BackupsEnabled: cfg.Backup.Enabled,
		BackupInterval: cfg.Backup.Interval,
		CORSOrigins:    cfg.Server.CORSOrigins,
		LoginPerMinute: cfg.Security.LoginPerMinute,
		LoginBurst:     cfg.Security.LoginBurst,
		Logger:         log,
	})
	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.Addr).Str("db", a.DB.Path()).Str("version", version).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if cfg.Backup.Enabled && a.Backups != nil {
		sched := backup.NewScheduler(a.Backups, cfg.Backup.Interval, log)
		g.Go(func() error { return sched.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.Service.Lock()
		return httpSrv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
