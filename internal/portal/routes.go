package portal

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rcourtman/clinic-portal/internal/portal/account"
	"github.com/rcourtman/clinic-portal/internal/portal/admin"
	"github.com/rcourtman/clinic-portal/internal/portal/auditlog"
	"github.com/rcourtman/clinic-portal/internal/portal/auth"
	"github.com/rcourtman/clinic-portal/internal/portal/entitlement"
	"github.com/rcourtman/clinic-portal/internal/portal/idempotency"
	"github.com/rcourtman/clinic-portal/internal/portal/stripe"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config   *Config
	Store    *entitlement.Store
	Audit    *auditlog.Log
	Guard    idempotency.Guard
	Billing  stripe.BillingProvider // nil when no Stripe API key is configured
	Sessions *auth.SessionStore     // nil when no session secret is configured
	Login    auth.Authenticator     // nil when OIDC is disabled
	Gate     *auth.OperatorGate
	Version  string

	WebhookLimiter *RateLimiter
	AdminLimiter   *RateLimiter
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	adminKey := func(next http.Handler) http.Handler {
		return admin.AdminKeyMiddleware(deps.Config.AdminKey, next)
	}
	adminLimit := func(next http.Handler) http.Handler {
		if deps.AdminLimiter == nil {
			return next
		}
		return deps.AdminLimiter.Middleware(next)
	}

	// Probes are unauthenticated.
	mux.HandleFunc("/healthz", admin.HandleHealthz)
	mux.HandleFunc("/readyz", admin.HandleReadyz(
		admin.Check{Name: "entitlement_store", Pinger: deps.Store},
		admin.Check{Name: "audit_log", Pinger: deps.Audit},
		admin.Check{Name: "idempotency_guard", Pinger: deps.Guard},
	))
	mux.Handle("/version", adminKey(admin.HandleVersion(deps.Version, deps.Config.Env)))

	metricsHandler := promhttp.Handler()
	if deps.Config.PublicMetrics {
		mux.Handle("/metrics", metricsHandler)
	} else {
		mux.Handle("/metrics", adminKey(metricsHandler))
	}

	// Stripe webhook (signature-authenticated)
	reconciler := stripe.NewReconciler(deps.Store, deps.Audit, deps.Billing)
	var webhook http.Handler = stripe.NewWebhookHandler(stripe.WebhookConfig{
		Secret:     deps.Config.StripeWebhookSecret,
		FailClosed: deps.Config.Production(),
	}, deps.Guard, reconciler)
	if deps.WebhookLimiter != nil {
		webhook = deps.WebhookLimiter.Middleware(webhook)
	}
	mux.Handle("/api/stripe/webhook", webhook)

	// Everything below needs a browser session.
	if deps.Sessions == nil {
		return
	}

	if deps.Login != nil {
		mux.HandleFunc("/auth/login", auth.HandleLogin(deps.Login, deps.Sessions))
		mux.HandleFunc("/auth/callback", auth.HandleCallback(deps.Login, deps.Sessions, "/"))
	}
	mux.HandleFunc("/auth/logout", auth.HandleLogout(deps.Sessions))

	operator := func(next http.Handler) http.Handler {
		return adminLimit(auth.RequireSession(deps.Sessions, auth.RequireOperator(deps.Gate, next)))
	}
	mux.Handle("/api/admin/entitlements/grant", operator(admin.HandleGrant(admin.NewGranter(deps.Store, deps.Audit))))
	mux.Handle("/api/admin/audit", operator(admin.HandleAudit(deps.Audit)))

	mux.Handle("/api/account/entitlement", auth.RequireSession(deps.Sessions, account.HandleEntitlement(account.NewResolver(deps.Store, deps.Billing))))
}
