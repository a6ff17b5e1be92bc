// Command padserver runs the collaborative pad server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/c0deZ3R0/go-pad-kit/logging"
	"github.com/c0deZ3R0/go-pad-kit/server"
	"github.com/c0deZ3R0/go-pad-kit/storage"
	"github.com/c0deZ3R0/go-pad-kit/storage/postgres"
	"github.com/c0deZ3R0/go-pad-kit/storage/sqlite"
)

type config struct {
	Addr               string        `toml:"addr"`
	TrustedEmailHeader string        `toml:"trusted_email_header"`
	ExpiryTime         duration      `toml:"expiry_time"`
	PersistInterval    duration      `toml:"persist_interval"`
	CleanupInterval    duration      `toml:"cleanup_interval"`
	Storage            storageConfig `toml:"storage"`
	Logging            loggingConfig `toml:"logging"`
}

type storageConfig struct {
	// Driver is "sqlite", "postgres", or "none" for memory-only.
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

type loggingConfig struct {
	Level       string `toml:"level"`
	Format      string `toml:"format"`
	AddSource   bool   `toml:"add_source"`
	Environment string `toml:"environment"`
}

// duration lets TOML carry values like "3s" or "24h".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (c *config) setDefaults() {
	if c.Addr == "" {
		c.Addr = ":3030"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Driver == "sqlite" && c.Storage.DSN == "" {
		c.Storage.DSN = "file:pads.db"
	}
}

// applyEnv layers environment overrides on top of the file config.
func (c *config) applyEnv() {
	if v := os.Getenv("PAD_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("PAD_TRUSTED_EMAIL_HEADER"); v != "" {
		c.TrustedEmailHeader = v
	}
	if v := os.Getenv("PAD_STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("PAD_STORAGE_DSN"); v != "" {
		c.Storage.DSN = v
	}
}

func loadConfig(path string) (config, error) {
	var cfg config
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to load config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.setDefaults()
	return cfg, nil
}

func openStore(ctx context.Context, cfg storageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return sqlite.NewWithDataSource(cfg.DSN)
	case "postgres":
		return postgres.New(ctx, postgres.DefaultConfig(cfg.DSN))
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	addr := flag.String("addr", "", "listen address (overrides config)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	// PAD_LOG_* and PAD_ENVIRONMENT override the config file here, the
	// same way the other PAD_ variables do in applyEnv.
	logging.Init(logging.ConfigFromEnv(logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		AddSource:   cfg.Logging.AddSource,
		Environment: cfg.Logging.Environment,
	}))
	logger := logging.WithComponent(logging.Component("padserver"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		logger.Error("failed to open storage", slog.String("error", err.Error()))
		os.Exit(1)
	}

	srv := server.New(server.Config{
		Store:              store,
		ExpiryTime:         cfg.ExpiryTime.Duration,
		PersistInterval:    cfg.PersistInterval.Duration,
		CleanupInterval:    cfg.CleanupInterval.Duration,
		TrustedEmailHeader: cfg.TrustedEmailHeader,
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", cfg.Addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("server failed", slog.String("error", err.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}
	if err := srv.Close(); err != nil {
		logger.Warn("server close error", slog.String("error", err.Error()))
	}
	if store != nil {
		if err := store.Close(); err != nil {
			logger.Warn("store close error", slog.String("error", err.Error()))
		}
	}
}
