// Package authurl builds the provider-bound authorization and logout URLs.
// Both builders are pure: redirect URIs come from the origin-bound
// oidcconf.Config passed in.
package authurl

import (
	"errors"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/tokenportal/portal/oidcconf"
	"github.com/tokenportal/portal/pkce"
)

var (
	ErrNoAuthorizationEndpoint = errors.New("authurl: no authorization endpoint")
	ErrNoEndSessionEndpoint    = errors.New("authurl: no end session endpoint")
)

// AuthorizationParams are the per-attempt values of an authorization request.
// CodeChallengeMethod defaults to S256 when a challenge is set.
type AuthorizationParams struct {
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// BuildAuthorizationURL returns the authorization endpoint URL with
// client_id, redirect_uri, response_type=code, scope, state and nonce, plus
// the PKCE parameters when a challenge is supplied.
func BuildAuthorizationURL(cfg oidcconf.Config, p AuthorizationParams) (string, error) {
	if cfg.Endpoints.Authorization == "" {
		return "", ErrNoAuthorizationEndpoint
	}
	opts := []oauth2.AuthCodeOption{oidc.Nonce(p.Nonce)}
	if p.CodeChallenge != "" {
		method := p.CodeChallengeMethod
		if method == "" {
			method = pkce.MethodS256
		}
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", p.CodeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", method),
		)
	}
	u := cfg.OAuth2().AuthCodeURL(p.State, opts...)
	// AuthCodeURL drops an empty state; the parameter is always sent.
	if p.State == "" {
		u += "&state="
	}
	return u, nil
}

// LogoutParams are the inputs of an RP-initiated logout.
type LogoutParams struct {
	PostLogoutRedirectURI string
	IDTokenHint           string
}

// BuildLogoutURL returns the end-session URL. id_token_hint is only added
// when known.
func BuildLogoutURL(cfg oidcconf.Config, p LogoutParams) (string, error) {
	if cfg.Endpoints.EndSession == "" {
		return "", ErrNoEndSessionEndpoint
	}
	u, err := url.Parse(cfg.Endpoints.EndSession)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("client_id", cfg.ClientID)
	q.Set("post_logout_redirect_uri", p.PostLogoutRedirectURI)
	if strings.TrimSpace(p.IDTokenHint) != "" {
		q.Set("id_token_hint", p.IDTokenHint)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
