package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	perrors "github.com/rcourtman/clinic-portal/internal/errors"
	"github.com/rcourtman/clinic-portal/internal/portal/auditlog"
	"github.com/rcourtman/clinic-portal/internal/portal/auth"
	"github.com/rs/zerolog/log"
)

const maxGrantBodyBytes = 64 << 10

// HandleGrant returns the operator trial grant handler. It must be mounted
// behind auth.RequireSession and auth.RequireOperator.
func HandleGrant(g *Granter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		user := auth.UserFromContext(r.Context())
		if user == nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		var req GrantRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxGrantBodyBytes))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		rec, err := g.Grant(r.Context(), req, user.Email, auditlog.RequestMetadata(r, nil))
		if err != nil {
			status := perrors.HTTPStatus(err)
			if status >= http.StatusInternalServerError {
				log.Error().Err(err).Str("tenant_id", req.TenantID).Msg("Manual grant failed")
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			writeError(w, status, errorMessage(err))
			return
		}

		writeJSON(w, http.StatusOK, rec)
	}
}

// HandleAudit returns the recent audit entries, newest first.
func HandleAudit(audit *auditlog.Log) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		limit := auditlog.DefaultRecentLimit
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			// The view never grows past the default window.
			limit = min(n, auditlog.DefaultRecentLimit)
		}

		entries, err := audit.Recent(r.Context(), limit)
		if err != nil {
			log.Error().Err(err).Msg("Failed to read audit log")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if entries == nil {
			entries = []auditlog.Entry{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"entries": entries,
			"count":   len(entries),
		})
	}
}

// AdminKeyMiddleware returns middleware that requires a valid admin API key,
// sent as X-Admin-Key or as a bearer token.
func AdminKeyMiddleware(adminKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
		if key == "" {
			if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
				key = strings.TrimSpace(bearer)
			}
		}
		if adminKey == "" || key != adminKey {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func errorMessage(err error) string {
	var pe *perrors.PortalError
	if errors.As(err, &pe) && pe.Err != nil {
		return pe.Err.Error()
	}
	return err.Error()
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
