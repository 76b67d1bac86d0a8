package auth

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"unicode"

	"github.com/tokenportal/portal/endpoint"
	"github.com/tokenportal/portal/locale"
	"github.com/tokenportal/portal/middleware"
	"github.com/tokenportal/portal/session"
)

// ProviderError represents an error returned by the identity provider.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider error: %s (description: %s)", e.Code, e.Description)
	}
	return fmt.Sprintf("provider error: %s", e.Code)
}

// ValidateNextURLIsLocal returns nextURL if it is a local path, else "/".
// Browsers drop tab and newline from URLs, so "/\t/host" would become
// protocol-relative; any control character or backslash is refused.
func ValidateNextURLIsLocal(nextURL string) string {
	if nextURL == "" || !strings.HasPrefix(nextURL, "/") || strings.HasPrefix(nextURL, "//") {
		return "/"
	}
	if strings.ContainsFunc(nextURL, func(r rune) bool { return r == '\\' || unicode.IsControl(r) }) {
		return "/"
	}
	u, err := url.Parse(nextURL)
	if err != nil || u.Scheme != "" || u.Host != "" || u.User != nil {
		return "/"
	}
	return nextURL
}

// apiResponse is the JSON envelope of the portal's own API routes.
type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

func jsonOK(data any) endpoint.Renderer {
	return &endpoint.JSONRenderer{Status: http.StatusOK, Value: apiResponse{Success: true, Data: data}}
}

func jsonError(status int, message, kind string) endpoint.Renderer {
	return &endpoint.JSONRenderer{Status: status, Value: apiResponse{Error: message, Kind: kind}}
}

// ownCookies are the cookies the portal manages itself and never forwards.
var ownCookies = map[string]bool{
	session.AuthTokenCookie:    true,
	session.RefreshTokenCookie: true,
	RequestCookieName:          true,
	locale.CookieName:          true,
}

// forwardedCookies returns the request cookies that belong to the backend.
func forwardedCookies(r *http.Request) []*http.Cookie {
	var out []*http.Cookie
	for _, c := range r.Cookies() {
		if !ownCookies[c.Name] {
			out = append(out, c)
		}
	}
	return out
}

// relayCookie rewrites a backend cookie for the portal's origin.
func relayCookie(c *http.Cookie, attrs middleware.CookieAttrs) *http.Cookie {
	out := *c
	out.Domain = attrs.Domain
	if out.Path == "" {
		out.Path = "/"
	}
	out.Secure = attrs.Secure
	out.HttpOnly = true
	if out.SameSite == http.SameSiteDefaultMode {
		out.SameSite = http.SameSiteLaxMode
	}
	return &out
}
