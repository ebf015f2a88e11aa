package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/org/groupledger/internal/api"
	"github.com/org/groupledger/internal/config"
	"github.com/org/groupledger/internal/crypto"
	"github.com/org/groupledger/internal/storage"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfgFile := "config.yaml"
	if v := os.Getenv("LEDGER_CONFIG"); v != "" {
		cfgFile = v
	}
	if _, err := os.Stat(cfgFile); err != nil {
		log.Warn().Str("file", cfgFile).Msg("config file not found, using defaults")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx := context.Background()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open storage")
	}
	defer store.Close()

	srv, err := api.NewServer(store, api.Config{
		ListenAddr:     cfg.ListenAddr,
		TLSCertFile:    cfg.TLSCertFile,
		TLSKeyFile:     cfg.TLSKeyFile,
		OperatorToken:  cfg.OperatorToken,
		KDFIterations:  cfg.KDF.Iterations,
		KDFTimeout:     cfg.KDF.Timeout,
		FieldCipher:    crypto.Algorithm(cfg.FieldCipher),
		RateLimitRPS:   cfg.RateLimit.RPS,
		RateLimitBurst: cfg.RateLimit.Burst,
		TrustProxy:     cfg.TrustProxy,
	}, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build server")
	}

	initialized, err := srv.LoadProviderState(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to check init state")
	}
	if !initialized {
		log.Info().Msg("key provider not yet initialized - POST /v1/sys/init to initialize")
	} else {
		log.Info().Msg("key provider initialized - POST /v1/sys/unseal with key shards to unseal")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Str("storage", cfg.Storage).Msg("server started")
	<-quit

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("server stopped")
}

func openStore(ctx context.Context, cfg config.Config) (storage.Backend, error) {
	if cfg.Storage == config.StorageMemory {
		log.Warn().Msg("using in-memory storage; all data is lost on exit")
		return storage.NewMemoryBackend(), nil
	}

	store, err := storage.NewPostgresBackend(ctx, cfg.DBUrl)
	if err != nil {
		return nil, err
	}
	if err := storage.RunMigrations(cfg.DBUrl, cfg.MigrationsDir); err != nil {
		store.Close()
		return nil, err
	}
	version, dirty, err := storage.MigrationVersion(cfg.DBUrl, cfg.MigrationsDir)
	if err != nil {
		store.Close()
		return nil, err
	}
	log.Info().Uint("version", version).Bool("dirty", dirty).Msg("migrations applied")
	return store, nil
}
