package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/tokenportal/portal/authurl"
	"github.com/tokenportal/portal/endpoint"
	"github.com/tokenportal/portal/events"
	"github.com/tokenportal/portal/pkce"
	"github.com/tokenportal/portal/session"
)

// login starts an authorization code flow. A fresh request context replaces
// any earlier attempt.
func (h *Handler) login(w http.ResponseWriter, r *http.Request, params AuthParams) (endpoint.Renderer, error) {
	if !h.configured {
		return nil, endpoint.Error(http.StatusServiceUnavailable, "sign-in is not configured", nil)
	}

	params, err := h.preAuth(r.Context(), w, r, params)
	if err != nil {
		return nil, err
	}

	rc, err := pkce.NewRequestContext(h.now())
	if err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "", err)
	}
	rc.NextURL = ValidateNextURLIsLocal(params.NextURL)

	ap := authurl.AuthorizationParams{State: rc.State, Nonce: rc.Nonce}
	if h.provider.usePKCE {
		ap.CodeChallenge = rc.CodeChallenge
		ap.CodeChallengeMethod = pkce.MethodS256
	} else {
		rc.CodeVerifier = ""
	}

	target, err := authurl.BuildAuthorizationURL(h.provider.ForRequest(r), ap)
	if err != nil {
		return nil, endpoint.Error(http.StatusServiceUnavailable, "sign-in is not configured", err)
	}
	if err := h.saveRequest(w, rc); err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "", err)
	}
	return &endpoint.RedirectRenderer{URL: target, Status: http.StatusFound}, nil
}

// CallbackParams are the parameters the provider sends to the callback.
type CallbackParams struct {
	Code             string `query:"code"`
	State            string `query:"state"`
	Error            string `query:"error"`
	ErrorDescription string `query:"error_description"`
}

// callback completes the flow. Any failure leaves the session untouched
// and the request context consumed.
func (h *Handler) callback(w http.ResponseWriter, r *http.Request, params CallbackParams) (endpoint.Renderer, error) {
	if !h.configured {
		return nil, endpoint.Error(http.StatusServiceUnavailable, "sign-in is not configured", nil)
	}

	rc, err := h.popRequest(w, r, params.State)
	if err != nil {
		h.logger.Warn("rejected auth callback", zap.Error(err))
		return h.result(w, r, &AuthResult{Error: endpoint.Error(http.StatusBadRequest, "invalid login state", err)})
	}
	result := &AuthResult{NextURL: ValidateNextURLIsLocal(rc.NextURL)}

	if params.Error != "" {
		result.Error = endpoint.Error(http.StatusBadRequest, "sign-in failed", &ProviderError{Code: params.Error, Description: params.ErrorDescription})
		return h.result(w, r, result)
	}
	if params.Code == "" {
		result.Error = endpoint.Error(http.StatusBadRequest, "missing authorization code", nil)
		return h.result(w, r, result)
	}

	ctx := r.Context()
	var opts []oauth2.AuthCodeOption
	if rc.CodeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(rc.CodeVerifier))
	}
	token, err := h.provider.ForRequest(r).OAuth2().Exchange(ctx, params.Code, opts...)
	if err != nil {
		h.logger.Warn("code exchange failed", zap.Error(err))
		result.Error = endpoint.Error(http.StatusBadGateway, "token exchange failed", err)
		return h.result(w, r, result)
	}
	result.Token = token

	rawIDToken, _ := token.Extra("id_token").(string)
	if rawIDToken == "" {
		result.Error = endpoint.Error(http.StatusBadGateway, "no id_token in token response", nil)
		return h.result(w, r, result)
	}
	idToken, err := h.provider.Verifier().Verify(ctx, rawIDToken)
	if err != nil {
		result.Error = endpoint.Error(http.StatusUnauthorized, "invalid id_token", err)
		return h.result(w, r, result)
	}
	if subtle.ConstantTimeCompare([]byte(idToken.Nonce), []byte(rc.Nonce)) != 1 {
		result.Error = endpoint.Error(http.StatusUnauthorized, "nonce mismatch", nil)
		return h.result(w, r, result)
	}
	result.IDToken = idToken

	if err := idToken.Claims(&result.Claims); err != nil {
		result.Error = endpoint.Error(http.StatusBadGateway, "invalid claims", err)
		return h.result(w, r, result)
	}

	s, err := h.store(r)
	if err != nil {
		return nil, err
	}
	loginOpts := []session.LoginOption{session.WithIDToken(rawIDToken)}
	if token.RefreshToken != "" {
		loginOpts = append(loginOpts, session.WithRefreshToken(token.RefreshToken))
	}
	if err := s.LoginWithSSO(ctx, token.AccessToken, result.Claims, loginOpts...); err != nil {
		result.Error = endpoint.Error(http.StatusBadGateway, "invalid access token", err)
		return h.result(w, r, result)
	}
	h.events.Publish(ctx, events.Event{Type: events.Login, Method: session.MethodSSO.String(), Subject: result.Claims.Subject})

	return h.result(w, r, result)
}

// logout ends the local session, then hands the browser to the provider's
// end-session endpoint. Without one it goes straight to sign-out cleanup.
func (h *Handler) logout(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	s, err := h.store(r)
	if err != nil {
		return nil, err
	}
	idToken := s.IDToken()
	h.endSession(r.Context(), s)

	if h.provider == nil {
		return &endpoint.RedirectRenderer{URL: SignOutPath, Status: http.StatusFound}, nil
	}
	cfg := h.provider.ForRequest(r)
	target, err := authurl.BuildLogoutURL(cfg, authurl.LogoutParams{
		PostLogoutRedirectURI: cfg.PostLogoutRedirectURI,
		IDTokenHint:           idToken,
	})
	if errors.Is(err, authurl.ErrNoEndSessionEndpoint) {
		return &endpoint.RedirectRenderer{URL: SignOutPath, Status: http.StatusFound}, nil
	}
	if err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "", err)
	}
	return &endpoint.RedirectRenderer{URL: target, Status: http.StatusFound}, nil
}
