package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"stridemap/internal/config"
	"stridemap/internal/dashboard"
	"stridemap/internal/ingest"
	"stridemap/internal/logging"
	"stridemap/internal/render"
	"stridemap/internal/session"
	"stridemap/internal/storage"
	"stridemap/internal/strava"
	"stridemap/internal/web"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		log.Fatal().Err(err).Msg("init logging")
	}
	if !cfg.HasCredentials() {
		log.Warn().Msg("STRAVA_CLIENT_ID or STRAVA_CLIENT_SECRET not set; connecting to strava will fail")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openSessionStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("store", cfg.SessionStore).Msg("open session store")
	}
	defer closeStore()

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout()}
	oauth := &strava.OAuthClient{
		ClientID:     cfg.StravaClientID,
		ClientSecret: cfg.StravaClientSecret,
		BaseURL:      cfg.StravaAuthBaseURL,
		RedirectURI:  cfg.StravaRedirectURL,
		Scopes:       cfg.StravaScopes,
		HTTPClient:   httpClient,
	}
	sessions := session.NewManager(oauth, store)
	if err := sessions.Seed(ctx, cfg.StravaRefreshToken); err != nil {
		log.Error().Err(err).Msg("seed strava refresh token")
	}

	stravaClient := &strava.Client{
		BaseURL:    cfg.StravaBaseURL,
		HTTPClient: httpClient,
		Breaker:    strava.NewBreaker("strava-api"),
	}
	if cfg.StravaRatePerMin > 0 {
		stravaClient.Limiter = rate.NewLimiter(rate.Limit(float64(cfg.StravaRatePerMin)/60), 1)
	}

	cycle := &dashboard.Cycle{
		Fetcher:   &ingest.Fetcher{Strava: stravaClient},
		Renderer:  render.NewRenderer(render.NewRandomColors(uint64(cfg.ColorSeed))),
		MapsDir:   cfg.MapsDir,
		ExportDir: cfg.ExportDir,
		DebugDir:  cfg.DebugDumpDir,
		Lookback:  cfg.Lookback(),
		Limit:     cfg.ActivityLimit,
		Series:    cfg.StreamSeries,
	}

	webServer, err := web.NewServer(sessions, cycle, stravaClient, web.Options{
		MapsDir:      cfg.MapsDir,
		DebugDir:     cfg.DebugDumpDir,
		LookbackDays: cfg.LookbackDays,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("load templates")
	}

	server := &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     webServer.Routes(),
		ReadTimeout: 10 * time.Second,
		// a cycle fetches one stream per activity
		WriteTimeout: 2 * time.Minute,
	}

	go func() {
		log.Info().Str("addr", cfg.ServerAddr).Str("redirect_uri", cfg.StravaRedirectURL).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server error")
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown")
	}
}

func openSessionStore(ctx context.Context, cfg config.Config) (session.Store, func(), error) {
	if cfg.SessionStore != "sqlite" {
		return session.NewMemoryStore(), func() {}, nil
	}
	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return nil, nil, err
	}
	if err := store.InitSchema(ctx); err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}
