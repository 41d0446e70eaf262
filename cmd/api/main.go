package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"taskvault.org/internal/config"
	"taskvault.org/internal/httpapi"
	"taskvault.org/internal/obs"
	"taskvault.org/internal/ratelimit"
	"taskvault.org/internal/session"
)

var version = "0.3.1"

func main() {
	obs.Init()
	log := obs.Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	var (
		db           *sql.DB
		sessionStore session.Store
		limitStore   ratelimit.Store
	)
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("open db")
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		sessionStore = session.NewPGStore(db)
		limitStore = ratelimit.NewPGStore(db)
	} else {
		log.Warn().Msg("TASKVAULT_DATABASE_URL not set, using in-memory stores")
		sessionStore = session.NewInMemory()
		limitStore = ratelimit.NewInMemory()
	}

	sessions, err := session.NewService(sessionStore, []byte(cfg.AuthSecret),
		session.WithAccessTTL(cfg.AccessTTL),
		session.WithRefreshTTL(cfg.RefreshTTL),
		session.WithSessionTTL(cfg.SessionTTL),
		session.WithBcryptCost(cfg.BcryptCost),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("build session service")
	}
	limiter := ratelimit.NewLimiter(limitStore)

	api := httpapi.New(sessions, limiter,
		httpapi.WithReadyProbe(httpapi.ReadyProbe{DB: db}),
		httpapi.WithPolicyStore(limitStore.Policies()),
		httpapi.WithVersion(version),
		httpapi.WithEdgeLimit(cfg.EdgeBurst, cfg.EdgePerSecond),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Info().Str("version", version).Str("addr", srv.Addr).Msg("starting taskvault-api")

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	api.Close()
	if db != nil {
		_ = db.Close()
	}
	log.Info().Msg("stopped")
}
