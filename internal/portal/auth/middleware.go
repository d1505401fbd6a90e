package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type ctxKey struct{}

// WithUser returns a context carrying u.
func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, ctxKey{}, u)
}

// UserFromContext returns the authenticated user placed by RequireSession.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(ctxKey{}).(*User)
	return u
}

// OperatorGate decides who may use operator endpoints. Membership comes
// from configuration: an email allow-list and/or a role claim.
type OperatorGate struct {
	emails map[string]struct{}
	role   string
}

// NewOperatorGate builds a gate from a list of emails and an optional role.
func NewOperatorGate(emails []string, role string) *OperatorGate {
	g := &OperatorGate{emails: make(map[string]struct{}, len(emails)), role: strings.TrimSpace(role)}
	for _, e := range emails {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			g.emails[e] = struct{}{}
		}
	}
	return g
}

// Allows reports whether u is an operator.
func (g *OperatorGate) Allows(u *User) bool {
	if g == nil || u == nil {
		return false
	}
	if _, ok := g.emails[strings.ToLower(strings.TrimSpace(u.Email))]; ok {
		return true
	}
	return g.role != "" && u.HasRole(g.role)
}

// Empty reports whether the gate admits nobody.
func (g *OperatorGate) Empty() bool {
	return g == nil || (len(g.emails) == 0 && g.role == "")
}

// UserSource resolves the signed-in user for a request.
type UserSource interface {
	GetUser(r *http.Request) *User
}

// RequireSession rejects requests without a signed-in user with 401.
func RequireSession(users UserSource, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u := users.GetUser(r)
		if u == nil {
			writeAuthError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), u)))
	})
}

// RequireOperator must run inside RequireSession. Non-operators get 403.
func RequireOperator(gate *OperatorGate, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u := UserFromContext(r.Context())
		if u == nil {
			writeAuthError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if !gate.Allows(u) {
			writeAuthError(w, http.StatusForbidden, "operator access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
