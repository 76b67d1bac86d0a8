// Package oidcconf describes the OIDC provider the portal signs in against
// and derives origin-bound redirect URIs per request.
package oidcconf

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// Endpoints are the provider URLs, all under one issuer.
type Endpoints struct {
	Authorization string
	Token         string
	UserInfo      string
	JWKS          string
	EndSession    string
}

// Config is the OIDC client configuration. RedirectURI and
// PostLogoutRedirectURI are only set on copies returned by ForOrigin.
type Config struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Endpoints    Endpoints

	RedirectPath           string
	PostLogoutRedirectPath string

	RedirectURI           string
	PostLogoutRedirectURI string
}

const (
	DefaultRedirectPath           = "/api/auth/callback"
	DefaultPostLogoutRedirectPath = "/api/auth/sign-out"
)

// DefaultScopes are requested when none are configured.
var DefaultScopes = []string{oidc.ScopeOpenID, "profile", "email"}

// StaticEndpoints returns the Keycloak-style endpoints below issuer.
func StaticEndpoints(issuer string) Endpoints {
	base := strings.TrimRight(issuer, "/") + "/protocol/openid-connect"
	return Endpoints{
		Authorization: base + "/auth",
		Token:         base + "/token",
		UserInfo:      base + "/userinfo",
		JWKS:          base + "/certs",
		EndSession:    base + "/logout",
	}
}

// providerClaims are the discovery document fields go-oidc does not expose
// directly.
type providerClaims struct {
	JWKSURI            string `json:"jwks_uri"`
	EndSessionEndpoint string `json:"end_session_endpoint"`
}

// Discover fills cfg.Endpoints from the issuer's discovery document.
func Discover(ctx context.Context, cfg Config) (Config, error) {
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return cfg, fmt.Errorf("failed to query provider %q: %w", cfg.Issuer, err)
	}
	var pc providerClaims
	if err := provider.Claims(&pc); err != nil {
		return cfg, fmt.Errorf("decode discovery document: %w", err)
	}
	ep := provider.Endpoint()
	cfg.Endpoints = Endpoints{
		Authorization: ep.AuthURL,
		Token:         ep.TokenURL,
		UserInfo:      provider.UserInfoEndpoint(),
		JWKS:          pc.JWKSURI,
		EndSession:    pc.EndSessionEndpoint,
	}
	return cfg, nil
}

// Missing lists the required fields that are empty.
func (c Config) Missing() []string {
	var missing []string
	check := func(name, v string) {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	check("issuer", c.Issuer)
	check("client_id", c.ClientID)
	check("authorization_endpoint", c.Endpoints.Authorization)
	check("token_endpoint", c.Endpoints.Token)
	check("jwks_uri", c.Endpoints.JWKS)
	check("redirect_path", c.RedirectPath)
	check("post_logout_redirect_path", c.PostLogoutRedirectPath)
	return missing
}

// Validate reports whether the configuration is complete. Problems are
// logged, not returned.
func (c Config) Validate(logger *zap.Logger) bool {
	missing := c.Missing()
	if len(missing) == 0 {
		return true
	}
	if logger != nil {
		logger.Warn("incomplete OIDC configuration", zap.Strings("missing", missing))
	}
	return false
}

// Origin returns scheme://host for r. A non-empty publicURL wins. With
// trustProxy the forwarded headers of a reverse proxy are honoured before
// Host and TLS; otherwise they are ignored.
func Origin(r *http.Request, publicURL string, trustProxy bool) string {
	if publicURL != "" {
		return strings.TrimRight(publicURL, "/")
	}
	var proto, host string
	if trustProxy {
		proto = firstValue(r.Header.Get("X-Forwarded-Proto"))
		host = firstValue(r.Header.Get("X-Forwarded-Host"))
	}
	if proto == "" {
		proto = "http"
		if r.TLS != nil {
			proto = "https"
		}
	}
	if host == "" {
		host = r.Host
	}
	return proto + "://" + host
}

func firstValue(h string) string {
	v, _, _ := strings.Cut(h, ",")
	return strings.TrimSpace(v)
}

// ForOrigin returns a copy of c with absolute redirect URIs under origin.
func (c Config) ForOrigin(origin string) Config {
	origin = strings.TrimRight(origin, "/")
	c.RedirectURI = joinOrigin(origin, c.RedirectPath)
	c.PostLogoutRedirectURI = joinOrigin(origin, c.PostLogoutRedirectPath)
	c.Scopes = append([]string(nil), c.Scopes...)
	return c
}

func joinOrigin(origin, p string) string {
	if p == "" {
		return ""
	}
	if u, err := url.Parse(p); err == nil && u.IsAbs() {
		return p
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return origin + p
}

// OAuth2 returns the oauth2 client for c.RedirectURI.
func (c Config) OAuth2() *oauth2.Config {
	scopes := c.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.Endpoints.Authorization,
			TokenURL:  c.Endpoints.Token,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: c.RedirectURI,
		Scopes:      append([]string(nil), scopes...),
	}
}

// ErrNoJWKS is returned by Verifier without a JWKS endpoint.
var ErrNoJWKS = errors.New("oidcconf: no jwks endpoint configured")

// Verifier returns an ID token verifier backed by the remote key set. ctx
// must outlive the verifier; it is used for key refreshes.
func (c Config) Verifier(ctx context.Context) (*oidc.IDTokenVerifier, error) {
	if c.Endpoints.JWKS == "" {
		return nil, ErrNoJWKS
	}
	keys := oidc.NewRemoteKeySet(ctx, c.Endpoints.JWKS)
	return oidc.NewVerifier(c.Issuer, keys, &oidc.Config{ClientID: c.ClientID}), nil
}
