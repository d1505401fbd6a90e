package account

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rcourtman/clinic-portal/internal/portal/auth"
	"github.com/rcourtman/clinic-portal/internal/portal/entitlement"
	"github.com/rcourtman/clinic-portal/internal/portal/stripe"
	"github.com/rs/zerolog/log"
)

const (
	SourceLocal           = "local"
	SourceBillingProvider = "billing_provider"
)

// SubscriptionFinder looks up a tenant's subscription at the billing
// provider. Implemented by stripe.StripeBilling.
type SubscriptionFinder interface {
	FindSubscriptionForTenant(ctx context.Context, tenantID string) (*stripe.Subscription, error)
}

// Snapshot is the entitlement view served to the clinic dashboard.
type Snapshot struct {
	Status      entitlement.Status `json:"status"`
	PlanID      string             `json:"planId,omitempty"`
	ActiveUntil *time.Time         `json:"activeUntil,omitempty"`
	TrialEndsAt *time.Time         `json:"trialEndsAt,omitempty"`
	SeatLimit   int                `json:"seatLimit"`
	SeatUsed    int                `json:"seatUsed"`
	Entitled    bool               `json:"entitled"`
	Source      string             `json:"source"`
}

func snapshotFromRecord(rec *entitlement.TenantAccessRecord) *Snapshot {
	return &Snapshot{
		Status:      rec.Status,
		PlanID:      rec.PlanID,
		ActiveUntil: rec.ActiveUntil,
		TrialEndsAt: rec.TrialEndsAt,
		SeatLimit:   rec.SeatLimit,
		SeatUsed:    rec.SeatUsed,
		Entitled:    rec.Status.Entitled(),
		Source:      SourceLocal,
	}
}

func snapshotFromSubscription(sub *stripe.Subscription) *Snapshot {
	status := entitlement.MapStripeStatus(sub.Status)
	seats := sub.Quantity()
	if seats < 1 {
		seats = 1
	}
	return &Snapshot{
		Status:      status,
		PlanID:      sub.PlanID(),
		ActiveUntil: sub.PeriodEnd(),
		TrialEndsAt: sub.TrialEndsAt(),
		SeatLimit:   seats,
		Entitled:    status.Entitled(),
		Source:      SourceBillingProvider,
	}
}

// Resolver builds the snapshot for a tenant: the local record first, then
// the billing provider, then nothing.
type Resolver struct {
	store   *entitlement.Store
	billing SubscriptionFinder
}

// NewResolver creates a Resolver. billing may be nil when no provider is
// configured.
func NewResolver(store *entitlement.Store, billing SubscriptionFinder) *Resolver {
	return &Resolver{store: store, billing: billing}
}

// Resolve returns nil, nil when neither source knows the tenant. Provider
// failures are logged and treated as unknown.
func (r *Resolver) Resolve(ctx context.Context, tenantID string) (*Snapshot, error) {
	rec, err := r.store.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return snapshotFromRecord(rec), nil
	}

	if r.billing == nil {
		return nil, nil
	}
	sub, err := r.billing.FindSubscriptionForTenant(ctx, tenantID)
	if err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("Live subscription lookup failed")
		return nil, nil
	}
	if sub == nil {
		return nil, nil
	}
	return snapshotFromSubscription(sub), nil
}

// HandleEntitlement serves the signed-in user's own tenant snapshot.
// Route: GET /api/account/entitlement
func HandleEntitlement(resolver *Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		user := auth.UserFromContext(r.Context())
		if user == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
			return
		}
		if user.TenantID == "" {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "no clinic is linked to this account"})
			return
		}

		snap, err := resolver.Resolve(r.Context(), user.TenantID)
		if err != nil {
			log.Error().Err(err).Str("tenant_id", user.TenantID).Msg("Failed to load entitlement")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, snap)
	}
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
