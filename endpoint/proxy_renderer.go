package endpoint

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"path"
	"strings"
)

// ProxyRenderer forwards the incoming request to Target.
//
// Inbound cookies are never forwarded: the upstream sees only the headers in
// Header plus the client's non-cookie headers. Path, when set, replaces the
// request path (joined under Target's path, keeping a trailing slash); the
// query string is kept.
type ProxyRenderer struct {
	Target    *url.URL
	Path      string
	Header    http.Header
	Transport http.RoundTripper
}

// NewProxyRenderer returns a ProxyRenderer for an absolute target URL.
//
// The target must be trusted configuration, never request input.
func NewProxyRenderer(targetURL string) (*ProxyRenderer, error) {
	if targetURL == "" {
		return nil, errors.New("endpoint: target URL is required")
	}
	target, err := url.Parse(targetURL)
	if err != nil {
		return nil, fmt.Errorf("endpoint: invalid target URL: %w", err)
	}
	if !target.IsAbs() {
		return nil, errors.New("endpoint: target URL must be absolute")
	}
	return &ProxyRenderer{Target: target}, nil
}

func (p *ProxyRenderer) Render(w http.ResponseWriter, r *http.Request) error {
	if p.Target == nil {
		return errors.New("endpoint: ProxyRenderer.Target is nil")
	}
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(p.Target)
			if p.Path != "" {
				joined := path.Join("/", p.Target.Path, strings.TrimPrefix(p.Path, "/"))
				if strings.HasSuffix(p.Path, "/") && !strings.HasSuffix(joined, "/") {
					joined += "/"
				}
				pr.Out.URL.Path = joined
				pr.Out.URL.RawPath = ""
			}
			pr.Out.Header.Del("Cookie")
			for k, vs := range p.Header {
				pr.Out.Header[k] = append([]string(nil), vs...)
			}
		},
		Transport: p.Transport,
	}
	proxy.ServeHTTP(w, r)
	return nil
}
