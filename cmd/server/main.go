package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"wager-exchange/internal/api"
	"wager-exchange/internal/config"
	"wager-exchange/internal/db"
	"wager-exchange/internal/engine"
	"wager-exchange/internal/ws"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	setupLogging(cfg.Logging.Level, cfg.Logging.Format)

	store, err := db.Open(cfg.Postgres.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	log.Info().Msg("connected to database")

	if err := store.Migrate(cfg.Postgres.MigrationsPath); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}
	log.Info().Msg("migrations applied")

	hub := ws.NewHub()

	mgr := engine.NewManager(store, hub.Publish)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgr.Boot(ctx); err != nil {
		log.Fatal().Err(err).Msg("boot engine manager")
	}

	srv := api.NewServer(store, mgr, hub, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Auth.BcryptCost, cfg.Market.DefaultBookDepth)
	httpSrv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Server.Port),
		Handler: srv.Router(),
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if err := mgr.Shutdown(); err != nil {
		log.Error().Err(err).Msg("engine manager shutdown")
	}
}

func setupLogging(level, format string) {
	l, err := zerolog.ParseLevel(level)
	if err != nil {
		l = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(l)
	if format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
