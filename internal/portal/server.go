package portal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/clinic-portal/internal/logging"
	"github.com/rcourtman/clinic-portal/internal/portal/auth"
	"github.com/rcourtman/clinic-portal/internal/portal/stripe"
)

// NewHandler builds the full middleware chain around the portal routes.
func NewHandler(deps *Deps) http.Handler {
	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)
	return logging.HTTPMiddleware(SecurityHeaders(mux))
}

// Run starts the portal HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "clinic-portal",
	})

	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "clinic-portal",
	})
	log.Info().Str("version", version).Str("env", cfg.Env).Msg("Starting clinic portal")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := OpenBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}
	defer backend.Close()

	deps := &Deps{
		Config:  cfg,
		Store:   backend.Store,
		Audit:   backend.Audit,
		Guard:   backend.Guard,
		Gate:    auth.NewOperatorGate(cfg.OperatorEmails, cfg.OperatorRole),
		Version: version,
	}

	if cfg.StripeAPIKey != "" {
		deps.Billing = stripe.NewStripeBilling(cfg.StripeAPIKey)
	} else {
		log.Warn().Msg("STRIPE_API_KEY not set: live subscription lookups disabled")
	}
	if cfg.StripeWebhookSecret == "" {
		log.Warn().Msg("STRIPE_WEBHOOK_SECRET not set: webhook endpoint will reject events")
	}

	if cfg.SessionSecret != "" {
		sessions, err := auth.NewSessionStore(auth.DefaultSessionConfig([]byte(cfg.SessionSecret), cfg.Production()), log.Logger)
		if err != nil {
			return fmt.Errorf("init sessions: %w", err)
		}
		deps.Sessions = sessions
	} else {
		log.Warn().Msg("PORTAL_SESSION_SECRET not set: dashboard and operator endpoints disabled")
	}

	if cfg.OIDCEnabled() {
		oidcCfg := auth.DefaultOIDCConfig(cfg.OIDCIssuer, cfg.OIDCClientID, cfg.OIDCClientSecret, cfg.OIDCRedirectURL)
		oidcCfg.TenantClaim = cfg.TenantClaim
		oidcCfg.RolesClaim = cfg.RolesClaim
		provider, err := auth.NewOIDC(ctx, oidcCfg, log.Logger)
		if err != nil {
			return fmt.Errorf("init OIDC: %w", err)
		}
		deps.Login = provider
	}

	if deps.Gate.Empty() {
		log.Warn().Msg("No operators configured: set PORTAL_OPERATOR_EMAILS or PORTAL_OPERATOR_ROLE to enable manual grants")
	}

	deps.WebhookLimiter, err = NewRateLimiter("webhook", cfg.WebhookRateLimit, time.Minute, backend.Redis, WithTrustedProxies(cfg.TrustedProxies))
	if err != nil {
		return err
	}
	deps.AdminLimiter, err = NewRateLimiter("admin", cfg.AdminRateLimit, time.Minute, backend.Redis, WithTrustedProxies(cfg.TrustedProxies))
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           NewHandler(deps),
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("Clinic portal listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Clinic portal stopped")
	return nil
}
