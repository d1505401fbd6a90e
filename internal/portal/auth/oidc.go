package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// OIDCConfig holds identity provider configuration.
type OIDCConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	// TenantClaim names the ID token claim carrying the user's clinic.
	TenantClaim string
	// RolesClaim names the ID token claim carrying role names.
	RolesClaim string
}

// DefaultOIDCConfig returns an OIDCConfig with standard scopes and claims.
func DefaultOIDCConfig(issuer, clientID, clientSecret, redirectURL string) OIDCConfig {
	return OIDCConfig{
		Issuer:       issuer,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		TenantClaim:  "tenant_id",
		RolesClaim:   "roles",
	}
}

// OIDC wraps the provider, the OAuth2 config and the ID token verifier.
type OIDC struct {
	oauth2Config oauth2.Config
	verifier     *oidc.IDTokenVerifier
	tenantClaim  string
	rolesClaim   string
	logger       zerolog.Logger
}

// NewOIDC discovers the provider and prepares the verifier.
func NewOIDC(ctx context.Context, cfg OIDCConfig, logger zerolog.Logger) (*OIDC, error) {
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("create OIDC provider: %w", err)
	}

	o := &OIDC{
		oauth2Config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       cfg.Scopes,
		},
		verifier:    provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		tenantClaim: cfg.TenantClaim,
		rolesClaim:  cfg.RolesClaim,
		logger:      logger.With().Str("component", "oidc").Logger(),
	}
	o.logger.Info().Str("issuer", cfg.Issuer).Msg("OIDC provider initialized")
	return o, nil
}

// GenerateState returns a random state parameter.
func GenerateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// AuthorizationURL returns the provider login URL for state.
func (o *OIDC) AuthorizationURL(state string) string {
	return o.oauth2Config.AuthCodeURL(state)
}

// Authenticate exchanges the authorization code and verifies the ID token.
func (o *OIDC) Authenticate(ctx context.Context, code string) (*User, error) {
	token, err := o.oauth2Config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("no id_token in token response")
	}
	idToken, err := o.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verify ID token: %w", err)
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("extract claims: %w", err)
	}
	return userFromClaims(idToken.Subject, claims, o.tenantClaim, o.rolesClaim)
}

func userFromClaims(subject string, claims map[string]any, tenantClaim, rolesClaim string) (*User, error) {
	email, _ := claims["email"].(string)
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("ID token has no email claim")
	}
	if verified, ok := claims["email_verified"].(bool); ok && !verified {
		return nil, fmt.Errorf("email %s is not verified", email)
	}

	u := &User{Subject: subject, Email: email}
	u.Name, _ = claims["name"].(string)
	if tenantClaim != "" {
		if tenant, ok := claims[tenantClaim].(string); ok {
			u.TenantID = strings.TrimSpace(tenant)
		}
	}
	if rolesClaim != "" {
		switch roles := claims[rolesClaim].(type) {
		case []any:
			for _, r := range roles {
				if s, ok := r.(string); ok && strings.TrimSpace(s) != "" {
					u.Roles = append(u.Roles, strings.TrimSpace(s))
				}
			}
		case string:
			for _, s := range strings.FieldsFunc(roles, func(r rune) bool { return r == ',' || r == ' ' }) {
				u.Roles = append(u.Roles, s)
			}
		}
	}
	return u, nil
}
