package auth

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/tokenportal/portal/backend"
	"github.com/tokenportal/portal/endpoint"
	"github.com/tokenportal/portal/session"
)

// TransparencyLoginParams are the transparency portal credentials.
type TransparencyLoginParams struct {
	Body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	} `body:""`
}

// transparencyLogin logs in against the backend and relays its session
// cookies to the browser. The portal session mirrors the returned user.
func (h *Handler) transparencyLogin(w http.ResponseWriter, r *http.Request, params TransparencyLoginParams) (endpoint.Renderer, error) {
	s, err := h.store(r)
	if err != nil {
		return nil, err
	}
	if params.Body.Username == "" || params.Body.Password == "" {
		return jsonError(http.StatusBadRequest, "username and password are required", ""), nil
	}

	user, cookies, err := h.transparency.TransparencyLogin(r.Context(), params.Body.Username, params.Body.Password)
	if err != nil {
		if errors.Is(err, backend.ErrUnauthorized) {
			return jsonError(http.StatusUnauthorized, "invalid credentials", ""), nil
		}
		h.logger.Warn("transparency login failed", zap.Error(err))
		return jsonError(http.StatusBadGateway, "login service unavailable", ""), nil
	}
	for _, c := range cookies {
		http.SetCookie(w, relayCookie(c, h.cookieAttrs))
	}
	s.LoginWithTransparency(*user)
	return jsonOK(s.State()), nil
}

// transparencyLogout ends the backend session, relaying its cookie
// deletions, and clears the portal session regardless of the outcome.
func (h *Handler) transparencyLogout(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	s, err := h.store(r)
	if err != nil {
		return nil, err
	}
	cookies, err := h.transparency.TransparencyLogout(r.Context(), forwardedCookies(r))
	if err != nil {
		h.logger.Warn("transparency logout failed", zap.Error(err))
	}
	for _, c := range cookies {
		http.SetCookie(w, relayCookie(c, h.cookieAttrs))
	}
	h.endSession(r.Context(), s)
	return jsonOK(s.State()), nil
}

// transparencySession reports the backend's view of the transparency user.
func (h *Handler) transparencySession(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	s, err := h.store(r)
	if err != nil {
		return nil, err
	}
	if err := h.mirrorTransparency(r, s); err != nil {
		if errors.Is(err, backend.ErrUnauthorized) {
			return jsonError(http.StatusUnauthorized, "not authenticated", ""), nil
		}
		return jsonError(http.StatusBadGateway, "session service unavailable", ""), nil
	}
	return jsonOK(s.State()), nil
}

// mirrorTransparency refreshes a transparency session from the backend
// cookies on r. A request without backend cookies is not an error.
func (h *Handler) mirrorTransparency(r *http.Request, s *session.Store) error {
	if h.transparency == nil {
		return nil
	}
	if st := s.State(); st.IsAuthenticated && st.AuthMethod != session.MethodTransparency {
		return nil
	}
	cookies := forwardedCookies(r)
	if len(cookies) == 0 {
		return backend.ErrUnauthorized
	}
	user, err := h.transparency.TransparencyMe(r.Context(), cookies)
	if err != nil {
		return err
	}
	s.LoginWithTransparency(*user)
	return nil
}

// sessionInfo reports the current session. Transparency sessions are
// refreshed from the backend first.
func (h *Handler) sessionInfo(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	s, err := h.store(r)
	if err != nil {
		return nil, err
	}
	if !s.IsAuthenticated() && len(forwardedCookies(r)) > 0 {
		if err := h.mirrorTransparency(r, s); err != nil && !errors.Is(err, backend.ErrUnauthorized) {
			h.logger.Warn("transparency session lookup failed", zap.Error(err))
		}
	}
	return jsonOK(s.State()), nil
}
