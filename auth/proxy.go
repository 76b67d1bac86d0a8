package auth

import (
	"net/http"
	"strings"

	"github.com/tokenportal/portal/endpoint"
	"github.com/tokenportal/portal/session"
)

// BackendProxyParams are the parameters of GET /api/backend/{path...}.
type BackendProxyParams struct {
	Path string `path:"path" maxLength:"2048"`
}

// backendProxy forwards a read to the backend API. SSO sessions carry their
// bearer token; other sessions carry the backend's own cookies.
func (h *Handler) backendProxy(w http.ResponseWriter, r *http.Request, params BackendProxyParams) (endpoint.Renderer, error) {
	s, err := h.store(r)
	if err != nil {
		return nil, err
	}
	proxy, err := endpoint.NewProxyRenderer(h.backendURL)
	if err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "", err)
	}
	proxy.Path = "/" + params.Path
	proxy.Header = http.Header{}
	if s.State().AuthMethod == session.MethodSSO {
		if v, ok := s.AuthHeader(); ok {
			proxy.Header.Set("Authorization", v)
		}
	} else {
		var parts []string
		for _, c := range forwardedCookies(r) {
			parts = append(parts, c.String())
		}
		if len(parts) > 0 {
			proxy.Header.Set("Cookie", strings.Join(parts, "; "))
		}
	}
	return proxy, nil
}
