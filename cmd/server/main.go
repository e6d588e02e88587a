package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/tariel-x/invitechat/internal/auth"
	"github.com/tariel-x/invitechat/internal/chat"
	"github.com/tariel-x/invitechat/internal/config"
	"github.com/tariel-x/invitechat/internal/handlers"
	applog "github.com/tariel-x/invitechat/internal/log"
	"github.com/tariel-x/invitechat/internal/metrics"
	"github.com/tariel-x/invitechat/internal/mw"
	"github.com/tariel-x/invitechat/internal/service"
	"github.com/tariel-x/invitechat/internal/storage"
)

const AppVersion = "1.0.0"

// Build timestamp - set at compile time or use current time
var buildTimestamp = time.Now().Unix()

func main() {
	fs := config.FlagSet()
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := applog.Init(cfg.Env, cfg.LogLevel)
	logger.Info().Str("version", AppVersion).Int64("build", buildTimestamp).Msg("invitechat server starting")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	roles, err := cfg.BootstrapRoles()
	if err != nil {
		return err
	}
	if err := service.ValidateRoleTable(roles); err != nil {
		return err
	}

	store, err := storage.Open(storage.Options{Type: cfg.Database.Type, DSN: cfg.Database.DSN}, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	codes := make([]string, 0, len(roles))
	for code := range roles {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	if err := store.Migrate(ctx, codes, time.Now()); err != nil {
		return err
	}
	logger.Info().Str("database", cfg.Database.Type).Strs("bootstrap_codes", codes).Msg("database ready")

	mod := service.NewModeration(store, nil, logger)
	reg, err := service.NewRegistration(store, mod, roles, logger)
	if err != nil {
		return err
	}
	hub := chat.NewHub(store, mod, logger)
	mod.SetBroadcaster(hub)

	secret, err := cfg.ResolveJWTSecret(logger)
	if err != nil {
		return err
	}

	if err := metrics.Refresh(ctx, store); err != nil {
		logger.Warn().Err(err).Msg("initial gauge refresh")
	}
	refresher, err := metrics.StartRefresher(cfg.Metrics.Refresh, store, logger)
	if err != nil {
		return err
	}
	defer refresher.Stop()

	h := handlers.New(handlers.Deps{
		Registration: reg,
		Moderation:   mod,
		Directory:    service.NewDirectory(store, mod),
		Hub:          hub,
		DB:           store,
		Issuer:       auth.NewIssuer(secret, cfg.Auth.TokenTTL),
		AuthMode:     auth.Mode(cfg.Auth.Mode),
		Logger:       logger,
	})
	if auth.Mode(cfg.Auth.Mode) == auth.ModeClaimed {
		logger.Warn().Msg("auth.mode=claimed: client supplied user ids are trusted")
	}

	router, err := setupRouter(h, cfg, logger)
	if err != nil {
		return err
	}
	return startServer(ctx, router, cfg, logger)
}

func setupRouter(h *handlers.Handlers, cfg *config.Config, logger zerolog.Logger) (*gin.Engine, error) {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	if err := router.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	router.Use(gin.Recovery(), zerologGinLogger(logger), metrics.GinMiddleware(), mw.CORS(cfg.HTTP.CORSOrigin))

	if cfg.RateLimit.RPS > 0 {
		limiters, err := mw.NewLimiters(rate.Limit(cfg.RateLimit.RPS), cfg.RateLimit.Burst, cfg.RateLimit.Size)
		if err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		router.Use(mw.RateLimit(limiters))
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	h.Mount(router.Group("/api"))

	return router, nil
}
