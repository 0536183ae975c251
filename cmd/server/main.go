package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/roomrelay/internal/adapters/http"
	"github.com/dkeye/roomrelay/internal/app"
	"github.com/dkeye/roomrelay/internal/config"
	"github.com/dkeye/roomrelay/internal/domain"
	"github.com/dkeye/roomrelay/internal/metrics"
)

func main() {
	// Load local .env (dev only)
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	switch cfg.Mode {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "release":
		// JSON only in production.
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	m := metrics.New()
	reg := app.NewRegistry(app.WithMetrics(m))
	handler := app.NewSessionHandler(reg,
		app.WithDefaults(cfg.DefaultUsername, domain.RoomName(cfg.DefaultRoom)),
		app.WithSessionMetrics(m),
	)
	tracker := router.NewSessionTracker()

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Registry: reg,
		Sessions: handler,
		Metrics:  m,
		Tracker:  tracker,
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router.WithCORS(cfg, r),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("relay server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Hijacked WebSocket connections are not tracked by srv.Shutdown. Refuse
	// late upgrades first so none can slip past CloseAll.
	tracker.Close()
	closed := reg.CloseAll()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if r := tracker.Wait(); r != nil {
			log.Error().Err(r.AsError()).Msg("session panicked")
		}
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn().Int("closed", closed).Msg("sessions still draining at shutdown timeout")
	}
	log.Info().Msg("Server exited gracefully")
}
