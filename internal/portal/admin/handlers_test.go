package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/clinic-portal/internal/portal/auditlog"
	"github.com/rcourtman/clinic-portal/internal/portal/auth"
	"github.com/rcourtman/clinic-portal/internal/portal/entitlement"
	"github.com/rcourtman/clinic-portal/internal/portal/portalmetrics"
)

type staticUsers struct{ user *auth.User }

func (s staticUsers) GetUser(*http.Request) *auth.User { return s.user }

type testEnv struct {
	store   *entitlement.Store
	repo    *entitlement.MemoryRepository
	audit   *auditlog.Log
	entries *auditlog.MemoryRepository
}

func newTestEnv() *testEnv {
	repo := entitlement.NewMemoryRepository()
	entries := auditlog.NewMemoryRepository()
	return &testEnv{
		store:   entitlement.NewStore(repo),
		repo:    repo,
		audit:   auditlog.NewLog(entries),
		entries: entries,
	}
}

func (e *testEnv) handler(user *auth.User) http.Handler {
	gate := auth.NewOperatorGate([]string{"ops@clinic.example"}, "portal-operator")
	mux := http.NewServeMux()
	mux.Handle("/api/admin/entitlements/grant", auth.RequireSession(staticUsers{user}, auth.RequireOperator(gate, HandleGrant(NewGranter(e.store, e.audit)))))
	mux.Handle("/api/admin/audit", auth.RequireSession(staticUsers{user}, auth.RequireOperator(gate, HandleAudit(e.audit))))
	return mux
}

func postGrant(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/admin/entitlements/grant", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.7:51234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

var operator = &auth.User{Email: "ops@clinic.example"}

func TestGrantCreatesTrialAndAuditEntry(t *testing.T) {
	env := newTestEnv()
	h := env.handler(operator)

	before := time.Now().UTC()
	granted := testutil.ToFloat64(portalmetrics.ManualGrantsTotal.WithLabelValues("granted"))
	rec := postGrant(t, h, `{"tenantId":"T1","days":14,"seatLimit":5}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, granted+1, testutil.ToFloat64(portalmetrics.ManualGrantsTotal.WithLabelValues("granted")))

	var got entitlement.TenantAccessRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "T1", got.TenantID)
	require.Equal(t, entitlement.StatusTrialing, got.Status)
	require.Equal(t, 5, got.SeatLimit)
	require.NotNil(t, got.TrialEndsAt)
	want := before.Add(14 * 24 * time.Hour)
	require.WithinDuration(t, want, *got.TrialEndsAt, 5*time.Second)

	entries, err := env.audit.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	require.Equal(t, auditlog.ActionGrantTrial, e.Action)
	require.Equal(t, auditlog.SourceManual, e.Source)
	require.Equal(t, entitlement.StatusInactive, e.OldStatus)
	require.Equal(t, entitlement.StatusTrialing, e.NewStatus)
	require.Equal(t, "ops@clinic.example", e.ActorEmail)
	require.Equal(t, "203.0.113.7", e.Metadata["client_ip"])
	require.Equal(t, "5", e.Metadata["seat_limit"])
}

func TestGrantDefaults(t *testing.T) {
	env := newTestEnv()
	rec := postGrant(t, env.handler(operator), `{"tenantId":"T2"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := env.store.Get(context.Background(), "T2")
	require.NoError(t, err)
	require.Equal(t, DefaultSeatLimit, stored.SeatLimit)
	require.Equal(t, entitlement.StatusTrialing, stored.Status)
}

func TestGrantValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"days above bound", `{"tenantId":"T1","days":91}`},
		{"days zero", `{"tenantId":"T1","days":0}`},
		{"seat limit zero", `{"tenantId":"T1","seatLimit":0}`},
		{"seat limit above bound", `{"tenantId":"T1","seatLimit":101}`},
		{"missing tenant", `{"days":14}`},
		{"blank tenant", `{"tenantId":"   "}`},
		{"malformed body", `{"tenantId":`},
		{"unknown field", `{"tenantId":"T1","plan":"gold"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			granted := testutil.ToFloat64(portalmetrics.ManualGrantsTotal.WithLabelValues("granted"))
			rec := postGrant(t, env.handler(operator), tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			require.Zero(t, env.repo.Writes(), "no store mutation expected")
			require.Zero(t, env.entries.Len(), "no audit entry expected")
			require.Equal(t, granted, testutil.ToFloat64(portalmetrics.ManualGrantsTotal.WithLabelValues("granted")))
		})
	}
}

func TestGrantBoundsAreInclusive(t *testing.T) {
	env := newTestEnv()
	rec := postGrant(t, env.handler(operator), `{"tenantId":"T1","days":90,"seatLimit":100}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = postGrant(t, env.handler(operator), `{"tenantId":"T1","days":1,"seatLimit":1}`)
	require.Equal(t, http.StatusOK, rec.Code)

	entries, err := env.audit.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, entitlement.StatusTrialing, entries[0].OldStatus)
}

func TestGrantAccessControl(t *testing.T) {
	env := newTestEnv()

	rec := postGrant(t, env.handler(nil), `{"tenantId":"T1"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postGrant(t, env.handler(&auth.User{Email: "doc@clinic.example", TenantID: "T1"}), `{"tenantId":"T1"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = postGrant(t, env.handler(&auth.User{Email: "lead@clinic.example", Roles: []string{"portal-operator"}}), `{"tenantId":"T1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, 1, env.repo.Writes())
}

func TestGrantMethodNotAllowed(t *testing.T) {
	env := newTestEnv()
	rec := httptest.NewRecorder()
	env.handler(operator).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/admin/entitlements/grant", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAuditNewestFirst(t *testing.T) {
	env := newTestEnv()
	h := env.handler(operator)
	for _, tenant := range []string{"A", "B", "C"} {
		require.Equal(t, http.StatusOK, postGrant(t, h, `{"tenantId":"`+tenant+`"}`).Code)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/admin/audit", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Entries []auditlog.Entry `json:"entries"`
		Count   int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 3, resp.Count)
	require.Equal(t, "C", resp.Entries[0].TenantID)
	require.Equal(t, "A", resp.Entries[2].TenantID)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/admin/audit?limit=abc", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	env.handler(&auth.User{Email: "doc@clinic.example"}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/admin/audit", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuditViewCappedAtDefaultWindow(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	for i := 0; i < auditlog.DefaultRecentLimit+10; i++ {
		_, err := env.audit.Append(ctx, auditlog.Entry{
			TenantID:  fmt.Sprintf("T%d", i),
			Action:    auditlog.ActionUpdateStatus,
			OldStatus: entitlement.StatusActive,
			NewStatus: entitlement.StatusPastDue,
			Source:    auditlog.SourceStripe,
		})
		require.NoError(t, err)
	}
	h := env.handler(operator)

	for _, target := range []string{"/api/admin/audit", "/api/admin/audit?limit=500"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Count int `json:"count"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, auditlog.DefaultRecentLimit, resp.Count, target)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/admin/audit?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"count":5`)
}

func TestAdminKeyMiddleware(t *testing.T) {
	h := AdminKeyMiddleware("secret-key", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong", "X-Admin-Key", "nope", http.StatusUnauthorized},
		{"header", "X-Admin-Key", "secret-key", http.StatusNoContent},
		{"bearer", "Authorization", "Bearer secret-key", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	rec := httptest.NewRecorder()
	AdminKeyMiddleware("", h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("empty key should reject, got %d", rec.Code)
	}
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthAndReadiness(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}

	ok := Check{Name: "store", Pinger: pingFunc(func(context.Context) error { return nil })}
	down := Check{Name: "guard", Pinger: pingFunc(func(context.Context) error { return errors.New("connection refused") })}

	rec = httptest.NewRecorder()
	HandleReadyz(ok)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ready" {
		t.Fatalf("readyz = %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	HandleReadyz(ok, down)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz with failing dependency = %d", rec.Code)
	}
}
