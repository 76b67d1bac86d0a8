// Package auth serves the portal's authentication routes. SSO uses the
// authorization code flow with PKCE against a single OIDC provider; wallet
// and transparency logins go through the backend API.
package auth

import (
	"context"
	"html/template"
	"net/http"
	"net/url"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/tokenportal/portal/endpoint"
	"github.com/tokenportal/portal/events"
	"github.com/tokenportal/portal/locale"
	"github.com/tokenportal/portal/middleware"
	"github.com/tokenportal/portal/session"
	"github.com/tokenportal/portal/wallet"
)

// Route paths.
const (
	LoginPath        = "/api/auth/login"
	CallbackPath     = "/api/auth/callback"
	LogoutPath       = "/api/auth/logout"
	SignOutPath      = "/api/auth/sign-out"
	SessionPath      = "/api/auth/session"
	ProfilePath      = "/api/auth/profile"
	DashboardPath    = "/dashboard"
	WalletPath       = "/api/auth/wallet"
	WalletDisconnect = "/api/auth/wallet/disconnect"
	BackendPrefix    = "/api/backend/"
)

// PreAuthHook is an optional hook invoked before a login starts.
type PreAuthHook func(ctx context.Context, w http.ResponseWriter, r *http.Request, params AuthParams) (AuthParams, error)

// AuthParams are the caller's parameters of a login.
type AuthParams struct {
	NextURL string `query:"next"`
}

// AuthResult is the outcome of a provider callback. On success Token,
// IDToken and Claims are set and the session is already logged in.
type AuthResult struct {
	Token   *oauth2.Token
	IDToken *oidc.IDToken
	Claims  session.Claims
	NextURL string
	Error   error
}

// ResultEndpoint is invoked after a callback, for both success and failure.
type ResultEndpoint endpoint.EndpointFunc[*AuthResult]

func defaultPreAuthHook(_ context.Context, _ http.ResponseWriter, _ *http.Request, params AuthParams) (AuthParams, error) {
	params.NextURL = ValidateNextURLIsLocal(params.NextURL)
	return params, nil
}

func defaultResultEndpoint(_ http.ResponseWriter, _ *http.Request, result *AuthResult) (endpoint.Renderer, error) {
	if result.Error != nil {
		return nil, result.Error
	}
	return &endpoint.RedirectRenderer{URL: result.NextURL, Status: http.StatusFound}, nil
}

// TransparencyBackend is the backend API of the transparency portal.
type TransparencyBackend interface {
	TransparencyLogin(ctx context.Context, username, password string) (*session.UserProfile, []*http.Cookie, error)
	TransparencyMe(ctx context.Context, cookies []*http.Cookie) (*session.UserProfile, error)
	TransparencyLogout(ctx context.Context, cookies []*http.Cookie) ([]*http.Cookie, error)
}

// Handler serves the authentication routes.
type Handler struct {
	mux        *http.ServeMux
	provider   *Provider
	configured bool
	sessions   *session.Processor

	requestCookie *middleware.SecureCookieAEAD
	cookieAttrs   middleware.CookieAttrs

	preAuth PreAuthHook
	result  ResultEndpoint

	wallets      *wallet.Authenticator
	walletLimit  *middleware.RateLimiter
	transparency TransparencyBackend
	backendURL   string
	events       *events.Publisher
	locales      *locale.Processor
	home         *template.Template

	processors    []endpoint.Processor
	cookieOptions []middleware.SecureCookieOption
	logger        *zap.Logger
	now           func() time.Time
}

// Option configures the Handler.
type Option func(*Handler)

// WithProcessors adds processors that run first on every route.
func WithProcessors(p ...endpoint.Processor) Option {
	return func(h *Handler) { h.processors = append(h.processors, p...) }
}

// WithCookieOptions configures the request cookie and cookie deletion.
func WithCookieOptions(opts ...middleware.SecureCookieOption) Option {
	return func(h *Handler) { h.cookieOptions = append(h.cookieOptions, opts...) }
}

func WithPreAuthHook(hook PreAuthHook) Option {
	return func(h *Handler) { h.preAuth = hook }
}

func WithResultEndpoint(e ResultEndpoint) Option {
	return func(h *Handler) { h.result = e }
}

// WithWallet enables the wallet routes, throttled by limiter if non-nil.
func WithWallet(a *wallet.Authenticator, limiter *middleware.RateLimiter) Option {
	return func(h *Handler) {
		h.wallets = a
		h.walletLimit = limiter
	}
}

// WithTransparency enables the transparency portal routes.
func WithTransparency(b TransparencyBackend) Option {
	return func(h *Handler) { h.transparency = b }
}

// WithBackendProxy enables GET /api/backend/{path...} forwarding to baseURL.
func WithBackendProxy(baseURL string) Option {
	return func(h *Handler) { h.backendURL = baseURL }
}

func WithEvents(p *events.Publisher) Option {
	return func(h *Handler) { h.events = p }
}

// WithLocale resolves the locale of page routes.
func WithLocale(p *locale.Processor) Option {
	return func(h *Handler) { h.locales = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// NewHandler creates the Handler. sessions supplies the per-request
// session.Store; keys seal the login request cookie.
func NewHandler(provider *Provider, sessions *session.Processor, keyID string, keys map[string][]byte, opts ...Option) (*Handler, error) {
	h := &Handler{
		mux:      http.NewServeMux(),
		provider: provider,
		sessions: sessions,
		preAuth:  defaultPreAuthHook,
		result:   defaultResultEndpoint,
		home:     homeTemplate,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}

	cookieOpts := append([]middleware.SecureCookieOption{middleware.WithSameSite(http.SameSiteLaxMode)}, h.cookieOptions...)
	rc, err := middleware.NewSecureCookie(RequestCookieName, keyID, keys, cookieOpts...)
	if err != nil {
		return nil, err
	}
	h.requestCookie = rc
	h.cookieAttrs = rc.Attrs()

	if provider != nil {
		h.configured = provider.Config().Validate(h.logger) && provider.Verifier() != nil
	}

	h.routes()
	return h, nil
}

// chain returns the Handler's processors, then the session processor, then
// extra.
func (h *Handler) chain(extra ...endpoint.Processor) []endpoint.Processor {
	out := append([]endpoint.Processor(nil), h.processors...)
	if h.sessions != nil {
		out = append(out, h.sessions)
	}
	for _, p := range extra {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

func (h *Handler) routes() {
	h.mux.HandleFunc("GET /{locale}"+CallbackPath, endpoint.HandleFunc(h.localizedCallback, h.processors...))

	h.mux.HandleFunc("GET "+LoginPath, endpoint.HandleFunc(h.login, h.chain()...))
	h.mux.HandleFunc("GET "+CallbackPath, endpoint.HandleFunc(h.callback, h.chain()...))
	h.mux.HandleFunc("GET "+LogoutPath, endpoint.HandleFunc(h.logout, h.chain()...))

	signOut := endpoint.HandleFunc(h.signOut, h.chain()...)
	h.mux.HandleFunc("GET "+SignOutPath, signOut)
	h.mux.HandleFunc("POST "+SignOutPath, signOut)

	h.mux.HandleFunc("GET "+SessionPath, endpoint.HandleFunc(h.sessionInfo, h.chain(middleware.NoCache)...))
	h.mux.HandleFunc("GET /{$}", endpoint.HandleFunc(h.homePage, h.chain(h.localeProcessor())...))

	requireAuth := session.RequireAuth(LoginPath)
	h.mux.HandleFunc("GET "+ProfilePath, endpoint.HandleFunc(h.profile, h.chain(middleware.NoCache, requireAuth)...))
	h.mux.HandleFunc("GET "+DashboardPath, endpoint.HandleFunc(h.dashboard, h.chain(middleware.NoCache, h.localeProcessor(), requireAuth)...))

	if h.wallets != nil {
		var limiter endpoint.Processor
		if h.walletLimit != nil {
			limiter = h.walletLimit
		}
		h.mux.HandleFunc("POST "+WalletPath, endpoint.HandleFunc(h.walletLogin, h.chain(middleware.NoCache, limiter)...))
		h.mux.HandleFunc("POST "+WalletDisconnect, endpoint.HandleFunc(h.walletDisconnect, h.chain(middleware.NoCache)...))
	}
	if h.transparency != nil {
		h.mux.HandleFunc("POST /transparency/login", endpoint.HandleFunc(h.transparencyLogin, h.chain(middleware.NoCache)...))
		h.mux.HandleFunc("POST /transparency/logout", endpoint.HandleFunc(h.transparencyLogout, h.chain(middleware.NoCache)...))
		h.mux.HandleFunc("GET /transparency/api/session", endpoint.HandleFunc(h.transparencySession, h.chain(middleware.NoCache)...))
	}
	if h.backendURL != "" {
		h.mux.HandleFunc("GET "+BackendPrefix+"{path...}", endpoint.HandleFunc(h.backendProxy, h.chain()...))
	}
}

func (h *Handler) localeProcessor() endpoint.Processor {
	if h.locales == nil {
		return nil
	}
	return h.locales
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// store returns the request's session.Store. Routes are always wrapped by
// the session processor, so a missing store is a wiring error.
func (h *Handler) store(r *http.Request) (*session.Store, error) {
	s := session.FromContext(r.Context())
	if s == nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "session unavailable", nil)
	}
	return s, nil
}

// endSession logs the session out and publishes a logout event if it was
// authenticated.
func (h *Handler) endSession(ctx context.Context, s *session.Store) {
	st := s.State()
	s.Logout(ctx)
	if st.IsAuthenticated {
		subject := ""
		if st.User != nil {
			subject = st.User.ID
		}
		h.events.Publish(ctx, events.Event{Type: events.Logout, Method: st.AuthMethod.String(), Subject: subject})
	}
}

// expireAuthCookies deletes every auth related cookie in the browser.
func (h *Handler) expireAuthCookies(w http.ResponseWriter) {
	for _, name := range []string{session.AuthTokenCookie, session.RefreshTokenCookie, RequestCookieName} {
		http.SetCookie(w, middleware.ExpireCookie(name, h.cookieAttrs, true))
	}
}

// stripMarkers removes the logout/cleanup markers from q.
func stripMarkers(q url.Values) string {
	q.Del("logout")
	q.Del("cleanup")
	return q.Encode()
}

// localizedCallback forwards a locale-prefixed callback to the canonical
// path, keeping the query string byte for byte.
func (h *Handler) localizedCallback(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	loc, target := locale.StripPrefix(r.URL.Path)
	if loc == "" {
		return nil, endpoint.Error(http.StatusNotFound, "", nil)
	}
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	return &endpoint.RedirectRenderer{URL: target, Status: http.StatusTemporaryRedirect}, nil
}
