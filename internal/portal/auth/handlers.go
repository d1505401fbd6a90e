package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Authenticator turns an authorization code into a user.
type Authenticator interface {
	AuthorizationURL(state string) string
	Authenticate(ctx context.Context, code string) (*User, error)
}

// HandleLogin starts the identity provider login.
func HandleLogin(provider Authenticator, sessions *SessionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		state, err := GenerateState()
		if err != nil {
			log.Error().Err(err).Msg("Failed to generate OIDC state")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if err := sessions.SetOIDCState(r, w, state); err != nil {
			log.Error().Err(err).Msg("Failed to store OIDC state")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		http.Redirect(w, r, provider.AuthorizationURL(state), http.StatusFound)
	}
}

// HandleCallback completes the login and establishes the session.
func HandleCallback(provider Authenticator, sessions *SessionStore, afterLogin string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		q := r.URL.Query()
		if errParam := q.Get("error"); errParam != "" {
			log.Warn().Str("error", errParam).Str("description", q.Get("error_description")).Msg("Identity provider returned an error")
			http.Redirect(w, r, "/login?error=provider", http.StatusFound)
			return
		}

		expected, err := sessions.PopOIDCState(r, w)
		if err != nil || expected != strings.TrimSpace(q.Get("state")) {
			log.Warn().Err(err).Msg("OIDC state mismatch")
			http.Error(w, "invalid login state", http.StatusBadRequest)
			return
		}

		code := strings.TrimSpace(q.Get("code"))
		if code == "" {
			http.Error(w, "missing authorization code", http.StatusBadRequest)
			return
		}

		user, err := provider.Authenticate(r.Context(), code)
		if err != nil {
			log.Warn().Err(err).Msg("OIDC authentication failed")
			http.Error(w, "authentication failed", http.StatusUnauthorized)
			return
		}
		user.AuthenticatedAt = time.Now().UTC()

		if err := sessions.SetUser(r, w, user); err != nil {
			log.Error().Err(err).Msg("Failed to persist session")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		log.Info().Str("email", user.Email).Str("tenant_id", user.TenantID).Msg("User signed in")
		http.Redirect(w, r, afterLogin, http.StatusFound)
	}
}

// HandleLogout clears the session.
func HandleLogout(sessions *SessionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := sessions.ClearUser(r, w); err != nil {
			log.Error().Err(err).Msg("Failed to clear session")
		}
		http.Redirect(w, r, "/", http.StatusFound)
	}
}
