package account

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rcourtman/clinic-portal/internal/portal/auth"
	"github.com/rcourtman/clinic-portal/internal/portal/entitlement"
	"github.com/rcourtman/clinic-portal/internal/portal/stripe"
)

type fakeFinder struct {
	sub   *stripe.Subscription
	err   error
	calls int
}

func (f *fakeFinder) FindSubscriptionForTenant(context.Context, string) (*stripe.Subscription, error) {
	f.calls++
	return f.sub, f.err
}

func serve(t *testing.T, resolver *Resolver, user *auth.User) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/account/entitlement", nil)
	if user != nil {
		req = req.WithContext(auth.WithUser(req.Context(), user))
	}
	rec := httptest.NewRecorder()
	HandleEntitlement(resolver)(rec, req)
	return rec
}

func decodeSnapshot(t *testing.T, rec *httptest.ResponseRecorder) *Snapshot {
	t.Helper()
	var snap *Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	return snap
}

func TestEntitlementFromLocalRecord(t *testing.T) {
	store := entitlement.NewStore(entitlement.NewMemoryRepository())
	until := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	_, err := store.Activate(context.Background(), entitlement.Activation{
		TenantID:          "T1",
		BillingCustomerID: "cus_C1xyz",
		ActiveUntil:       &until,
		Seats:             3,
		PlanID:            "clinic_pro",
	})
	require.NoError(t, err)

	finder := &fakeFinder{}
	rec := serve(t, NewResolver(store, finder), &auth.User{Email: "doc@clinic.example", TenantID: "T1"})
	require.Equal(t, http.StatusOK, rec.Code)

	snap := decodeSnapshot(t, rec)
	require.NotNil(t, snap)
	require.Equal(t, entitlement.StatusActive, snap.Status)
	require.Equal(t, "clinic_pro", snap.PlanID)
	require.Equal(t, 3, snap.SeatLimit)
	require.True(t, snap.ActiveUntil.Equal(until))
	require.True(t, snap.Entitled)
	require.Equal(t, SourceLocal, snap.Source)
	require.Zero(t, finder.calls, "provider must not be queried when a local record exists")
}

func TestEntitlementFallsBackToBillingProvider(t *testing.T) {
	var sub stripe.Subscription
	require.NoError(t, json.Unmarshal([]byte(`{
		"id": "sub_123456",
		"customer": "cus_C1xyz",
		"status": "trialing",
		"trial_end": 1790000000,
		"metadata": {"tenant_id": "T9", "plan_id": "clinic_basic"},
		"items": {"data": [{"quantity": 4, "current_period_end": 1791000000, "price": {"id": "price_1"}}]}
	}`), &sub))

	store := entitlement.NewStore(entitlement.NewMemoryRepository())
	rec := serve(t, NewResolver(store, &fakeFinder{sub: &sub}), &auth.User{Email: "doc@clinic.example", TenantID: "T9"})
	require.Equal(t, http.StatusOK, rec.Code)

	snap := decodeSnapshot(t, rec)
	require.NotNil(t, snap)
	require.Equal(t, entitlement.StatusTrialing, snap.Status)
	require.Equal(t, "clinic_basic", snap.PlanID)
	require.Equal(t, 4, snap.SeatLimit)
	require.Equal(t, int64(1791000000), snap.ActiveUntil.Unix())
	require.Equal(t, int64(1790000000), snap.TrialEndsAt.Unix())
	require.Equal(t, SourceBillingProvider, snap.Source)
}

func TestEntitlementNullWhenUnknown(t *testing.T) {
	store := entitlement.NewStore(entitlement.NewMemoryRepository())

	tests := []struct {
		name     string
		resolver *Resolver
	}{
		{"no provider configured", NewResolver(store, nil)},
		{"provider has nothing", NewResolver(store, &fakeFinder{})},
		{"provider failing", NewResolver(store, &fakeFinder{err: errors.New("stripe: 500")})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, tt.resolver, &auth.User{Email: "doc@clinic.example", TenantID: "T404"})
			require.Equal(t, http.StatusOK, rec.Code)
			require.Equal(t, "null", strings.TrimSpace(rec.Body.String()))
		})
	}
}

func TestEntitlementRequiresTenant(t *testing.T) {
	resolver := NewResolver(entitlement.NewStore(entitlement.NewMemoryRepository()), nil)

	rec := serve(t, resolver, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(t, resolver, &auth.User{Email: "ops@clinic.example"})
	require.Equal(t, http.StatusForbidden, rec.Code)
}
