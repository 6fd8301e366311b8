// Command relayd runs the cloud side: the crypto-blind WebSocket relay, the
// sync ingest API, and the device/session registry.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sessionwire/sessionwire/internal/auth"
	"github.com/sessionwire/sessionwire/internal/config"
	"github.com/sessionwire/sessionwire/internal/logging"
	"github.com/sessionwire/sessionwire/internal/migrate"
	"github.com/sessionwire/sessionwire/internal/registry"
	"github.com/sessionwire/sessionwire/internal/relay"
	"github.com/sessionwire/sessionwire/internal/server"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger("relayd", cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open registry", zap.Error(err))
	}
	defer closeStore()

	signingKey, err := cfg.SigningKey()
	if err != nil {
		logger.Fatal("signing key unavailable", zap.Error(err))
	}
	tokens, err := auth.NewTokenService([]byte(signingKey), cfg.Auth.TokenTTL)
	if err != nil {
		logger.Fatal("token service", zap.Error(err))
	}

	promReg := prometheus.NewRegistry()
	relaySrv := relay.NewServer(logger, &server.RelayAuthenticator{Tokens: tokens, Store: store}, relay.Options{
		Metrics:    relay.NewMetrics(promReg),
		Presence:   &server.PresenceRecorder{Store: store},
		IdleWindow: cfg.Relay.IdleWindow,
		SendBuffer: cfg.Relay.SendBuffer,
	})

	srv := server.New(logger, store, tokens, cfg.Relay.Address, server.Options{
		Relay:   relaySrv,
		Metrics: server.NewSyncMetrics(promReg),
	})
	admin := server.NewAdmin(logger, promReg, cfg.Admin.Address, cfg.Admin.ReadHeaderTimeout)
	admin.Start()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer cancel()
		admin.Shutdown(shutdownCtx)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown", zap.Error(err))
		}
	}()

	admin.SetReady(true)
	if err := srv.Run(); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
	logger.Info("server stopped")
}

// openStore picks Postgres when a DSN is configured, applying migrations
// first, and falls back to the in-memory registry otherwise.
func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (registry.Store, func(), error) {
	dsn := cfg.Storage.PostgresDSN
	if dsn == "" {
		log.Info("no postgres dsn configured; using in-memory registry")
		return registry.NewInMemory(), func() {}, nil
	}

	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := migrate.Up(migrateCtx, dsn); err != nil {
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}

	pg, err := registry.Connect(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	log.Info("connected to postgres registry")
	return pg, pg.Close, nil
}
