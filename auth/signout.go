package auth

import (
	"html/template"
	"net/http"

	"github.com/tokenportal/portal/endpoint"
	"github.com/tokenportal/portal/locale"
	"github.com/tokenportal/portal/middleware"
	"github.com/tokenportal/portal/session"
)

// SignOutParams are the parameters of the post-logout redirect target.
type SignOutParams struct {
	Error string `query:"error"`
}

// signOut is where the provider returns the browser after logout. It deletes
// every auth cookie and sends the browser home with cleanup markers, so
// in-page state is discarded as well.
func (h *Handler) signOut(w http.ResponseWriter, r *http.Request, params SignOutParams) (endpoint.Renderer, error) {
	s, err := h.store(r)
	if err != nil {
		return nil, err
	}
	h.endSession(r.Context(), s)

	h.expireAuthCookies(w)
	middleware.SetNoCache(w)

	outcome := "success"
	if params.Error != "" {
		outcome = "error"
	}
	return &endpoint.RedirectRenderer{URL: "/?logout=" + outcome + "&cleanup=true", Status: http.StatusFound}, nil
}

// HomeParams are the parameters of the home page.
type HomeParams struct {
	Logout  string `query:"logout"`
	Cleanup string `query:"cleanup"`
}

// homeView is rendered by the home page template.
type homeView struct {
	Lang    string
	Dir     string
	Session session.State
	Logout  string
}

var homeTemplate = template.Must(template.New("home").Parse(`<!doctype html>
<html lang="{{.Lang}}" dir="{{.Dir}}">
<head><meta charset="utf-8"><title>Portal</title></head>
<body>
{{- if eq .Logout "error"}}
<p role="alert">Sign-out did not complete.</p>
{{- end}}
{{- if .Session.IsAuthenticated}}
<p>Signed in{{with .Session.User}} as {{.Username}}{{end}}.</p>
<p><a href="/api/auth/logout">Sign out</a></p>
{{- else}}
<p><a href="/api/auth/login">Sign in</a></p>
{{- end}}
</body>
</html>
`))

// homePage renders the landing page. The cleanup marker is one-shot: the
// session is cleared once and the browser redirected to a clean URL.
func (h *Handler) homePage(w http.ResponseWriter, r *http.Request, params HomeParams) (endpoint.Renderer, error) {
	s, err := h.store(r)
	if err != nil {
		return nil, err
	}
	if params.Cleanup == "true" {
		s.Logout(r.Context())
		middleware.SetNoCache(w)
		target := "/"
		if q := stripMarkers(r.URL.Query()); q != "" {
			target += "?" + q
		}
		return &endpoint.RedirectRenderer{URL: target, Status: http.StatusFound}, nil
	}

	loc := h.pageLocale(r)
	return &endpoint.HTMLTemplateRenderer{
		Template: h.home,
		Values: homeView{
			Lang:    loc,
			Dir:     locale.Dir(loc),
			Session: s.State(),
			Logout:  params.Logout,
		},
	}, nil
}

// pageLocale is the locale chosen by the locale processor. Without one
// pages render in English.
func (h *Handler) pageLocale(r *http.Request) string {
	if loc := locale.FromContext(r.Context()); loc != "" {
		return loc
	}
	return locale.English
}
