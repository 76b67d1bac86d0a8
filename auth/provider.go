package auth

import (
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/tokenportal/portal/oidcconf"
)

// Provider is the configured OIDC provider. Redirect URIs are bound to the
// origin of each request.
type Provider struct {
	config    oidcconf.Config
	verifier  *oidc.IDTokenVerifier
	publicURL string
	usePKCE   bool
	trusted   bool
}

// NewProvider creates a Provider. publicURL pins the origin; leave it empty
// to derive the origin from each request.
func NewProvider(config oidcconf.Config, verifier *oidc.IDTokenVerifier, publicURL string) *Provider {
	return &Provider{
		config:    config,
		verifier:  verifier,
		publicURL: publicURL,
		usePKCE:   true,
	}
}

// Config returns the origin-independent configuration.
func (p *Provider) Config() oidcconf.Config {
	return p.config
}

// ForRequest returns the configuration with redirect URIs under r's origin.
func (p *Provider) ForRequest(r *http.Request) oidcconf.Config {
	return p.config.ForOrigin(oidcconf.Origin(r, p.publicURL, p.trusted))
}

// Verifier returns the ID token verifier.
func (p *Provider) Verifier() *oidc.IDTokenVerifier {
	return p.verifier
}

// SetPKCE enables or disables PKCE. Disabling it is supported but
// discouraged.
func (p *Provider) SetPKCE(enable bool) {
	p.usePKCE = enable
}

// TrustProxyHeaders derives the request origin from X-Forwarded-Proto and
// X-Forwarded-Host when no public URL is set.
func (p *Provider) TrustProxyHeaders(trust bool) {
	p.trusted = trust
}
