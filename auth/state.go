package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/tokenportal/portal/pkce"
)

// RequestCookieName holds the sealed request context of the login in flight.
const RequestCookieName = "pkce_code_verifier"

var (
	errStateMissing  = errors.New("no login in progress")
	errStateExpired  = errors.New("login request expired")
	errStateMismatch = errors.New("state mismatch")
)

// saveRequest stores rc, replacing any earlier login attempt.
func (h *Handler) saveRequest(w http.ResponseWriter, rc pkce.RequestContext) error {
	c, err := h.requestCookie.Encode(rc, int(pkce.RequestTTL/time.Second))
	if err != nil {
		return err
	}
	http.SetCookie(w, c)
	return nil
}

// popRequest consumes the stored request context. The cookie is cleared
// whatever the outcome, so a context can be used at most once.
func (h *Handler) popRequest(w http.ResponseWriter, r *http.Request, state string) (pkce.RequestContext, error) {
	c, err := r.Cookie(h.requestCookie.Name())
	if err != nil {
		return pkce.RequestContext{}, errStateMissing
	}
	http.SetCookie(w, h.requestCookie.Clear())

	var rc pkce.RequestContext
	if err := h.requestCookie.Decode(c, &rc); err != nil {
		return pkce.RequestContext{}, errors.Join(errStateMissing, err)
	}
	if rc.Expired(h.now()) {
		return pkce.RequestContext{}, errStateExpired
	}
	if state == "" || subtle.ConstantTimeCompare([]byte(state), []byte(rc.State)) != 1 {
		return pkce.RequestContext{}, errStateMismatch
	}
	return rc, nil
}
