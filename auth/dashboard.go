package auth

import (
	"html/template"
	"net/http"

	"github.com/tokenportal/portal/endpoint"
	"github.com/tokenportal/portal/locale"
)

var dashboardTemplate = template.Must(template.New("dashboard").Parse(`<!doctype html>
<html lang="{{.Lang}}" dir="{{.Dir}}">
<head><meta charset="utf-8"><title>Dashboard</title></head>
<body>
{{- with .Session.User}}
<h1>{{.Username}}</h1>
{{- if .Email}}<p>{{.Email}}</p>{{end}}
{{- end}}
{{- with .Session.WalletAddress}}
<p>Wallet {{.}}</p>
{{- end}}
<p><a href="/api/auth/logout">Sign out</a></p>
</body>
</html>
`))

// profile returns the signed-in user. The route is gated by
// session.RequireAuth, so the session is always authenticated here.
func (h *Handler) profile(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	s, err := h.store(r)
	if err != nil {
		return nil, err
	}
	return jsonOK(s.State()), nil
}

func (h *Handler) dashboard(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	s, err := h.store(r)
	if err != nil {
		return nil, err
	}
	loc := h.pageLocale(r)
	return &endpoint.HTMLTemplateRenderer{
		Template: dashboardTemplate,
		Values: homeView{
			Lang:    loc,
			Dir:     locale.Dir(loc),
			Session: s.State(),
		},
	}, nil
}
