package session

import (
	"context"
	"net/http"
	"time"

	"github.com/tokenportal/portal/middleware"
)

const (
	AuthTokenCookie    = "auth_token"
	RefreshTokenCookie = "refresh_token"
)

// CookiePersistence stores the session record in the sealed auth_token
// cookie and the refresh token in the sealed refresh_token cookie.
type CookiePersistence struct {
	auth    *middleware.SecureCookieAEAD
	refresh *middleware.SecureCookieAEAD
}

// NewCookiePersistence builds both cookies with the same keys and options.
func NewCookiePersistence(keyID string, keys map[string][]byte, opts ...middleware.SecureCookieOption) (*CookiePersistence, error) {
	auth, err := middleware.NewSecureCookie(AuthTokenCookie, keyID, keys, opts...)
	if err != nil {
		return nil, err
	}
	refresh, err := middleware.NewSecureCookie(RefreshTokenCookie, keyID, keys, opts...)
	if err != nil {
		return nil, err
	}
	return &CookiePersistence{auth: auth, refresh: refresh}, nil
}

func (c *CookiePersistence) Bind(w http.ResponseWriter, r *http.Request) Persistence {
	return &cookieBinding{p: c, w: w, r: r}
}

type cookieBinding struct {
	p       *CookiePersistence
	w       http.ResponseWriter
	r       *http.Request
	written bool
}

func (b *cookieBinding) Load(context.Context) (*Record, error) {
	c, err := b.r.Cookie(AuthTokenCookie)
	if err != nil {
		return nil, nil
	}
	var rec Record
	if err := b.p.auth.Decode(c, &rec); err != nil {
		return nil, err
	}
	if rc, err := b.r.Cookie(RefreshTokenCookie); err == nil {
		var refresh string
		if b.p.refresh.Decode(rc, &refresh) == nil {
			rec.RefreshToken = refresh
		}
	}
	return &rec, nil
}

func (b *cookieBinding) Save(_ context.Context, rec Record, ttl time.Duration) error {
	maxAge := maxAgeSeconds(ttl)
	refresh := rec.RefreshToken
	rec.RefreshToken = ""
	c, err := b.p.auth.Encode(rec, maxAge)
	if err != nil {
		return err
	}
	http.SetCookie(b.w, c)
	b.written = true
	if refresh == "" {
		http.SetCookie(b.w, b.p.refresh.Clear())
		return nil
	}
	rc, err := b.p.refresh.Encode(refresh, maxAge)
	if err != nil {
		return err
	}
	http.SetCookie(b.w, rc)
	return nil
}

func (b *cookieBinding) Clear(context.Context) error {
	if !b.written && !hasCookie(b.r, AuthTokenCookie) && !hasCookie(b.r, RefreshTokenCookie) {
		return nil
	}
	http.SetCookie(b.w, b.p.auth.Clear())
	http.SetCookie(b.w, b.p.refresh.Clear())
	b.written = false
	return nil
}

func hasCookie(r *http.Request, name string) bool {
	_, err := r.Cookie(name)
	return err == nil
}
