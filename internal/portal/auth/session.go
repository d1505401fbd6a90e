package auth

import (
	"encoding/gob"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/sessions"
	"github.com/rs/zerolog"
)

func init() {
	gob.Register(time.Time{})
}

const (
	// SessionName is the name of the portal session cookie.
	SessionName = "clinic_portal_session"

	stateKey           = "oidc_state"
	subjectKey         = "oidc_subject"
	emailKey           = "email"
	nameKey            = "name"
	tenantKey          = "tenant_id"
	rolesKey           = "roles"
	authenticatedAtKey = "authenticated_at"
)

// SessionConfig holds session store configuration.
type SessionConfig struct {
	Secret     []byte
	MaxAge     int // seconds
	Secure     bool
	SameSite   http.SameSite
	CookiePath string
}

// DefaultSessionConfig returns a SessionConfig with an 8 hour lifetime.
func DefaultSessionConfig(secret []byte, secure bool) SessionConfig {
	return SessionConfig{
		Secret:     secret,
		MaxAge:     8 * 3600,
		Secure:     secure,
		SameSite:   http.SameSiteLaxMode,
		CookiePath: "/",
	}
}

// User is the authenticated portal user carried in the session.
type User struct {
	Subject         string
	Email           string
	Name            string
	TenantID        string
	Roles           []string
	AuthenticatedAt time.Time
}

// HasRole reports whether the user carries role (case-insensitive).
func (u *User) HasRole(role string) bool {
	role = strings.TrimSpace(role)
	if u == nil || role == "" {
		return false
	}
	for _, r := range u.Roles {
		if strings.EqualFold(strings.TrimSpace(r), role) {
			return true
		}
	}
	return false
}

// SessionStore wraps a gorilla/sessions cookie store.
type SessionStore struct {
	store  *sessions.CookieStore
	logger zerolog.Logger
}

// NewSessionStore creates a cookie-backed session store.
func NewSessionStore(cfg SessionConfig, logger zerolog.Logger) (*SessionStore, error) {
	if len(cfg.Secret) < 32 {
		return nil, fmt.Errorf("session secret must be at least 32 bytes")
	}

	store := sessions.NewCookieStore(cfg.Secret)
	store.Options = &sessions.Options{
		Path:     cfg.CookiePath,
		MaxAge:   cfg.MaxAge,
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: cfg.SameSite,
	}

	return &SessionStore{
		store:  store,
		logger: logger.With().Str("component", "session").Logger(),
	}, nil
}

func (s *SessionStore) get(r *http.Request) (*sessions.Session, error) {
	session, err := s.store.Get(r, SessionName)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

func (s *SessionStore) save(r *http.Request, w http.ResponseWriter, session *sessions.Session) error {
	if err := session.Save(r, w); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// SetOIDCState stores the login state parameter.
func (s *SessionStore) SetOIDCState(r *http.Request, w http.ResponseWriter, state string) error {
	session, err := s.get(r)
	if err != nil {
		return err
	}
	session.Values[stateKey] = state
	return s.save(r, w, session)
}

// PopOIDCState returns and clears the stored state parameter.
func (s *SessionStore) PopOIDCState(r *http.Request, w http.ResponseWriter) (string, error) {
	session, err := s.get(r)
	if err != nil {
		return "", err
	}
	state, ok := session.Values[stateKey].(string)
	if !ok || state == "" {
		return "", fmt.Errorf("no state in session")
	}
	delete(session.Values, stateKey)
	if err := s.save(r, w, session); err != nil {
		return "", err
	}
	return state, nil
}

// SetUser stores the authenticated user.
func (s *SessionStore) SetUser(r *http.Request, w http.ResponseWriter, user *User) error {
	session, err := s.get(r)
	if err != nil {
		return err
	}
	session.Values[subjectKey] = user.Subject
	session.Values[emailKey] = strings.ToLower(strings.TrimSpace(user.Email))
	session.Values[nameKey] = user.Name
	session.Values[tenantKey] = strings.TrimSpace(user.TenantID)
	session.Values[rolesKey] = append([]string(nil), user.Roles...)
	session.Values[authenticatedAtKey] = user.AuthenticatedAt
	return s.save(r, w, session)
}

// GetUser returns the session user, or nil when nobody is signed in.
func (s *SessionStore) GetUser(r *http.Request) *User {
	session, err := s.get(r)
	if err != nil {
		s.logger.Debug().Err(err).Msg("discarding unreadable session")
		return nil
	}
	email, _ := session.Values[emailKey].(string)
	if email == "" {
		return nil
	}
	u := &User{Email: email}
	u.Subject, _ = session.Values[subjectKey].(string)
	u.Name, _ = session.Values[nameKey].(string)
	u.TenantID, _ = session.Values[tenantKey].(string)
	u.Roles, _ = session.Values[rolesKey].([]string)
	u.AuthenticatedAt, _ = session.Values[authenticatedAtKey].(time.Time)
	return u
}

// ClearUser signs the user out and expires the cookie.
func (s *SessionStore) ClearUser(r *http.Request, w http.ResponseWriter) error {
	session, err := s.get(r)
	if err != nil {
		// An unreadable cookie is replaced by an expired one below.
		session = sessions.NewSession(s.store, SessionName)
	}
	for _, key := range []string{subjectKey, emailKey, nameKey, tenantKey, rolesKey, authenticatedAtKey, stateKey} {
		delete(session.Values, key)
	}
	opts := *s.store.Options
	opts.MaxAge = -1
	session.Options = &opts
	return s.save(r, w, session)
}
