package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"lessonsync/internal/api"
	"lessonsync/internal/auth"
	"lessonsync/internal/broker"
	"lessonsync/internal/config"
	"lessonsync/internal/gateway"
	"lessonsync/internal/membership"
	"lessonsync/internal/store"
	"lessonsync/internal/transport"
)

// Application holds every component of the gateway daemon, wired in
// dependency order: store, membership, broker, gateway, transport, API.
type Application struct {
	cfg        *config.Config
	log        zerolog.Logger
	store      *store.Store
	broker     broker.Broker
	gateway    *gateway.Gateway
	httpServer *http.Server
}

func NewApplication(cfg *config.Config, logger zerolog.Logger) (*Application, error) {
	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	members := membership.NewSQLite(st.DB())
	if err := members.EnsureSchema(context.Background()); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to prepare membership schema: %w", err)
	}

	var b broker.Broker
	if cfg.Redis.Addr != "" {
		b, err = broker.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to connect broker: %w", err)
		}
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("using redis fan-out")
	} else {
		b = broker.NewMemory()
		logger.Info().Msg("using in-process fan-out")
	}

	gw := gateway.New(members, st, b, logger)

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)
	wsHandler := transport.NewHandler(verifier, gw, cfg.WebSocket, logger)
	apiServer := api.NewServer(st, gw, logger)

	mux := http.NewServeMux()
	mux.Handle("/lesson", wsHandler)
	mux.Handle("/health", apiServer)
	mux.Handle("/api/", apiServer)

	return &Application{
		cfg:     cfg,
		log:     logger,
		store:   st,
		broker:  b,
		gateway: gw,
		httpServer: &http.Server{
			Addr:         cfg.HTTP.Addr,
			Handler:      mux,
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
		},
	}, nil
}

func (app *Application) Run() error {
	errCh := make(chan error, 1)
	go func() {
		app.log.Info().Str("addr", app.httpServer.Addr).Msg("listening")
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		app.log.Info().Str("signal", sig.String()).Msg("shutting down")
		return app.shutdown()
	}
}

// shutdown stops components in reverse dependency order: HTTP listener,
// broker subscription, then the store's write loop.
func (app *Application) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := app.httpServer.Shutdown(ctx); err != nil {
		app.log.Error().Err(err).Msg("http shutdown error")
	}
	if err := app.broker.Close(); err != nil {
		app.log.Error().Err(err).Msg("broker close error")
	}
	if err := app.store.Close(); err != nil {
		app.log.Error().Err(err).Msg("store close error")
		return err
	}
	app.log.Info().Msg("shutdown complete")
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	app, err := NewApplication(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}

	if err := app.Run(); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}
