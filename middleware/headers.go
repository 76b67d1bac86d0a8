package middleware

import (
	"net/http"
	"strconv"

	"github.com/tokenportal/portal/endpoint"
)

// SecurityHeadersProcessor sets browser security headers on every response.
//
// Empty string fields and a zero HSTSMaxAge disable the matching header.
type SecurityHeadersProcessor struct {
	HSTSMaxAge            int
	ReferrerPolicy        string
	FrameOptions          string
	ContentSecurityPolicy string
}

// SecurityHeadersOption configures a SecurityHeadersProcessor.
type SecurityHeadersOption func(*SecurityHeadersProcessor)

// WithoutHSTS disables Strict-Transport-Security, for plain http development.
func WithoutHSTS() SecurityHeadersOption {
	return func(p *SecurityHeadersProcessor) { p.HSTSMaxAge = 0 }
}

// WithCSP replaces the Content-Security-Policy.
func WithCSP(policy string) SecurityHeadersOption {
	return func(p *SecurityHeadersProcessor) { p.ContentSecurityPolicy = policy }
}

// NewSecurityHeadersProcessor returns the defaults for server-rendered pages.
// Wallet-connect flows need connections to provider RPC endpoints, so
// connect-src is left open to https.
func NewSecurityHeadersProcessor(opts ...SecurityHeadersOption) *SecurityHeadersProcessor {
	p := &SecurityHeadersProcessor{
		HSTSMaxAge:            31536000,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		FrameOptions:          "DENY",
		ContentSecurityPolicy: "default-src 'self'; connect-src 'self' https: wss:; img-src 'self' data:; base-uri 'self'; form-action 'self'; frame-ancestors 'none'",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process implements endpoint.Processor.
func (p *SecurityHeadersProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	h := w.Header()
	if p.HSTSMaxAge > 0 {
		h.Set("Strict-Transport-Security", "max-age="+strconv.Itoa(p.HSTSMaxAge)+"; includeSubDomains")
	}
	if p.ReferrerPolicy != "" {
		h.Set("Referrer-Policy", p.ReferrerPolicy)
	}
	if p.FrameOptions != "" {
		h.Set("X-Frame-Options", p.FrameOptions)
	}
	if p.ContentSecurityPolicy != "" {
		h.Set("Content-Security-Policy", p.ContentSecurityPolicy)
	}
	h.Set("X-Content-Type-Options", "nosniff")
	return next(w, r)
}

// SetNoCache marks the response as uncacheable by browsers and proxies.
func SetNoCache(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
}

// NoCache is a processor applying SetNoCache. Auth routes use it so that
// redirects carrying cookie changes are never replayed from a cache.
var NoCache = endpoint.ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	SetNoCache(w)
	return next(w, r)
})

var _ endpoint.Processor = (*SecurityHeadersProcessor)(nil)
