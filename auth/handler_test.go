package auth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"golang.org/x/oauth2"

	"github.com/tokenportal/portal/backend"
	"github.com/tokenportal/portal/endpoint"
	"github.com/tokenportal/portal/locale"
	"github.com/tokenportal/portal/middleware"
	"github.com/tokenportal/portal/oidcconf"
	"github.com/tokenportal/portal/pkce"
	"github.com/tokenportal/portal/session"
	"github.com/tokenportal/portal/wallet"
)

const testOrigin = "https://portal.example"

// fakeIdP is a minimal OIDC provider. The test copies the nonce and
// challenge from the authorization URL before calling back.
type fakeIdP struct {
	srv *httptest.Server
	key *rsa.PrivateKey

	mu          sync.Mutex
	nonce       string
	challenge   string
	accessToken string
	idToken     string
	exchanges   int
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	idp := &fakeIdP{key: key}
	idp.srv = httptest.NewServer(http.HandlerFunc(idp.token))
	t.Cleanup(idp.srv.Close)
	return idp
}

func (p *fakeIdP) issuer() string { return p.srv.URL }

func (p *fakeIdP) sign(t *testing.T, claims any) string {
	t.Helper()
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: p.key}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		t.Fatal(err)
	}
	raw, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func (p *fakeIdP) token(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/token" {
		http.NotFound(w, r)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exchanges++
	if r.PostFormValue("code") != "good-code" || r.PostFormValue("client_id") != "portal" {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
		return
	}
	verifier := r.PostFormValue("code_verifier")
	if (p.challenge == "" && verifier != "") || (p.challenge != "" && oauth2.S256ChallengeFromVerifier(verifier) != p.challenge) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"access_token":  p.accessToken,
		"id_token":      p.idToken,
		"refresh_token": "refresh-1",
		"token_type":    "Bearer",
		"expires_in":    3600,
	})
}

// prepare records the nonce and challenge of authURL and mints the tokens
// the next exchange returns. It returns the state to call back with.
func (p *fakeIdP) prepare(t *testing.T, authURL string) (state string) {
	t.Helper()
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nonce = q.Get("nonce")
	p.challenge = q.Get("code_challenge")
	now := time.Now()
	p.accessToken = p.sign(t, map[string]any{"sub": "user-1", "exp": now.Add(time.Hour).Unix()})
	p.idToken = p.sign(t, map[string]any{
		"iss":                p.issuer(),
		"aud":                "portal",
		"sub":                "user-1",
		"nonce":              p.nonce,
		"iat":                now.Unix(),
		"exp":                now.Add(time.Hour).Unix(),
		"preferred_username": "alice",
		"email":              "alice@example.com",
		"given_name":         "Alice",
	})
	return q.Get("state")
}

func (p *fakeIdP) config() oidcconf.Config {
	return oidcconf.Config{
		Issuer:   p.issuer(),
		ClientID: "portal",
		Endpoints: oidcconf.Endpoints{
			Authorization: p.issuer() + "/auth",
			Token:         p.issuer() + "/token",
			JWKS:          p.issuer() + "/certs",
			EndSession:    p.issuer() + "/logout",
		},
		RedirectPath:           oidcconf.DefaultRedirectPath,
		PostLogoutRedirectPath: oidcconf.DefaultPostLogoutRedirectPath,
	}
}

func (p *fakeIdP) provider() *Provider {
	keys := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&p.key.PublicKey}}
	verifier := oidc.NewVerifier(p.issuer(), keys, &oidc.Config{ClientID: "portal"})
	return NewProvider(p.config(), verifier, testOrigin)
}

func testKeys(t *testing.T) map[string][]byte {
	t.Helper()
	k := make([]byte, middleware.DefaultAEADKeysize)
	if _, err := rand.Read(k); err != nil {
		t.Fatal(err)
	}
	return map[string][]byte{"k1": k}
}

func newTestHandler(t *testing.T, provider *Provider, opts ...Option) *Handler {
	t.Helper()
	keys := testKeys(t)
	cp, err := session.NewCookiePersistence("k1", keys)
	if err != nil {
		t.Fatal(err)
	}
	h, err := NewHandler(provider, session.NewProcessor(cp, nil), "k1", keys, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

// browser keeps the cookies a real browser would between requests.
type browser struct {
	t       *testing.T
	h       http.Handler
	cookies map[string]*http.Cookie
}

func newBrowser(t *testing.T, h http.Handler) *browser {
	return &browser{t: t, h: h, cookies: map[string]*http.Cookie{}}
}

func (b *browser) do(r *http.Request) *http.Response {
	for _, c := range b.cookies {
		r.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	rec := httptest.NewRecorder()
	b.h.ServeHTTP(rec, r)
	resp := rec.Result()
	for _, c := range resp.Cookies() {
		if c.MaxAge < 0 || c.Value == "" {
			delete(b.cookies, c.Name)
			continue
		}
		b.cookies[c.Name] = c
	}
	return resp
}

func (b *browser) get(target string) *http.Response {
	return b.do(httptest.NewRequest(http.MethodGet, target, nil))
}

func (b *browser) postJSON(target string, body any) *http.Response {
	raw, err := json.Marshal(body)
	if err != nil {
		b.t.Fatal(err)
	}
	r := httptest.NewRequest(http.MethodPost, target, strings.NewReader(string(raw)))
	r.Header.Set("Content-Type", "application/json")
	return b.do(r)
}

type envelope struct {
	Success bool          `json:"success"`
	Data    session.State `json:"data"`
	Error   string        `json:"error"`
	Kind    string        `json:"kind"`
}

func decodeEnvelope(t *testing.T, resp *http.Response) envelope {
	t.Helper()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return env
}

func findCookie(cs []*http.Cookie, name string) *http.Cookie {
	for _, c := range cs {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// signIn runs login and callback and returns the callback response.
func signIn(t *testing.T, b *browser, idp *fakeIdP, next string) *http.Response {
	t.Helper()
	resp := b.get(LoginPath + "?next=" + url.QueryEscape(next))
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("login: expected 302, got %d", resp.StatusCode)
	}
	state := idp.prepare(t, resp.Header.Get("Location"))
	return b.get(CallbackPath + "?code=good-code&state=" + url.QueryEscape(state))
}

func TestLogin_RedirectsToProvider(t *testing.T) {
	idp := newFakeIdP(t)
	h := newTestHandler(t, idp.provider())
	b := newBrowser(t, h)

	resp := b.get(LoginPath + "?next=/dashboard")
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
	u, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	if u.Scheme+"://"+u.Host+u.Path != idp.issuer()+"/auth" {
		t.Fatalf("unexpected authorization endpoint %s", u)
	}
	q := u.Query()
	want := map[string]string{
		"client_id":             "portal",
		"response_type":         "code",
		"redirect_uri":          testOrigin + "/api/auth/callback",
		"code_challenge_method": "S256",
	}
	for k, v := range want {
		if q.Get(k) != v {
			t.Errorf("%s = %q, want %q", k, q.Get(k), v)
		}
	}
	if len(q.Get("state")) != pkce.StateLength || q.Get("nonce") == "" || q.Get("code_challenge") == "" {
		t.Errorf("missing per-attempt parameters: %v", q)
	}
	if !strings.Contains(q.Get("scope"), "openid") {
		t.Errorf("scope %q lacks openid", q.Get("scope"))
	}

	c := findCookie(resp.Cookies(), RequestCookieName)
	if c == nil || !c.HttpOnly || c.SameSite != http.SameSiteLaxMode {
		t.Fatalf("request cookie: %+v", c)
	}
	if c.MaxAge != int(pkce.RequestTTL/time.Second) {
		t.Errorf("request cookie max-age %d", c.MaxAge)
	}
}

func TestLogin_NotConfigured(t *testing.T) {
	h := newTestHandler(t, NewProvider(oidcconf.Config{}, nil, ""))
	resp := newBrowser(t, h).get(LoginPath)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestLoginCallback_EstablishesSSOSession(t *testing.T) {
	idp := newFakeIdP(t)
	h := newTestHandler(t, idp.provider())
	b := newBrowser(t, h)

	resp := signIn(t, b, idp, "/dashboard")
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/dashboard" {
		t.Fatalf("callback: %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}
	if c := findCookie(resp.Cookies(), RequestCookieName); c == nil || c.MaxAge >= 0 {
		t.Errorf("request cookie not cleared: %+v", c)
	}
	if b.cookies[session.AuthTokenCookie] == nil || b.cookies[session.RefreshTokenCookie] == nil {
		t.Fatalf("session cookies missing: %v", b.cookies)
	}

	resp = b.get(SessionPath)
	if resp.Header.Get("Cache-Control") == "" {
		t.Error("session response is cacheable")
	}
	env := decodeEnvelope(t, resp)
	if !env.Success || !env.Data.IsAuthenticated || env.Data.AuthMethod != session.MethodSSO {
		t.Fatalf("session: %+v", env)
	}
	if env.Data.User == nil || env.Data.User.Username != "alice" || env.Data.User.FirstName != "Alice" {
		t.Fatalf("user: %+v", env.Data.User)
	}
}

func TestLogin_WithoutPKCE(t *testing.T) {
	idp := newFakeIdP(t)
	p := idp.provider()
	p.SetPKCE(false)
	b := newBrowser(t, newTestHandler(t, p))

	resp := b.get(LoginPath + "?next=/dashboard")
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
	u, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	if q.Has("code_challenge") || q.Has("code_challenge_method") {
		t.Fatalf("PKCE parameters sent: %v", q)
	}

	state := idp.prepare(t, resp.Header.Get("Location"))
	resp = b.get(CallbackPath + "?code=good-code&state=" + url.QueryEscape(state))
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/dashboard" {
		t.Fatalf("callback: %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}
	if env := decodeEnvelope(t, b.get(SessionPath)); !env.Data.IsAuthenticated {
		t.Fatalf("session: %+v", env)
	}
}

func TestLogin_ForwardedHostNeedsTrust(t *testing.T) {
	idp := newFakeIdP(t)
	redirectURI := func(p *Provider) string {
		r := httptest.NewRequest(http.MethodGet, LoginPath, nil)
		r.Host = "10.0.0.5:8080"
		r.Header.Set("X-Forwarded-Proto", "https")
		r.Header.Set("X-Forwarded-Host", "portal.example")
		resp := newBrowser(t, newTestHandler(t, p)).do(r)
		u, err := url.Parse(resp.Header.Get("Location"))
		if err != nil {
			t.Fatal(err)
		}
		return u.Query().Get("redirect_uri")
	}

	p := NewProvider(idp.config(), idp.provider().Verifier(), "")
	if got := redirectURI(p); got != "http://10.0.0.5:8080"+CallbackPath {
		t.Fatalf("untrusted: redirect_uri %q", got)
	}
	p.TrustProxyHeaders(true)
	if got := redirectURI(p); got != "https://portal.example"+CallbackPath {
		t.Fatalf("trusted: redirect_uri %q", got)
	}
}

func TestLogin_PreAuthHook(t *testing.T) {
	idp := newFakeIdP(t)
	h := newTestHandler(t, idp.provider(), WithPreAuthHook(func(_ context.Context, _ http.ResponseWriter, _ *http.Request, params AuthParams) (AuthParams, error) {
		if params.NextURL == "/closed" {
			return params, endpoint.Error(http.StatusForbidden, "sign-in closed", nil)
		}
		params.NextURL = "/welcome"
		return params, nil
	}))
	b := newBrowser(t, h)

	if resp := b.get(LoginPath + "?next=/closed"); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	if resp := signIn(t, b, idp, "/dashboard"); resp.Header.Get("Location") != "/welcome" {
		t.Fatalf("redirected to %q", resp.Header.Get("Location"))
	}
}

func TestRequireAuth_ProtectedRoutes(t *testing.T) {
	idp := newFakeIdP(t)
	b := newBrowser(t, newTestHandler(t, idp.provider()))

	resp := b.get(ProfilePath)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("profile: expected 401, got %d", resp.StatusCode)
	}
	if env := decodeEnvelope(t, resp); env.Success || env.Error == "" {
		t.Fatalf("profile: %+v", env)
	}

	resp = b.get(DashboardPath + "?tab=keys")
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("dashboard: expected 302, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != LoginPath+"?next=%2Fdashboard%3Ftab%3Dkeys" {
		t.Fatalf("dashboard redirected to %q", loc)
	}

	signIn(t, b, idp, DashboardPath)

	env := decodeEnvelope(t, b.get(ProfilePath))
	if !env.Success || env.Data.User == nil || env.Data.User.Username != "alice" {
		t.Fatalf("profile: %+v", env)
	}
	resp = b.get(DashboardPath)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dashboard: expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "<h1>alice</h1>") {
		t.Fatalf("dashboard body %s", body)
	}
}

func TestCallback_RequiresRequestCookie(t *testing.T) {
	idp := newFakeIdP(t)
	h := newTestHandler(t, idp.provider())

	resp := newBrowser(t, h).get(LoginPath)
	state := idp.prepare(t, resp.Header.Get("Location"))

	// Another browser presenting the same state has no request context.
	other := newBrowser(t, h)
	if resp := other.get(CallbackPath + "?code=good-code&state=" + state); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if idp.exchanges != 0 {
		t.Fatal("code exchanged without a request context")
	}
}

func TestCallback_RequestContextIsSingleUse(t *testing.T) {
	idp := newFakeIdP(t)
	b := newBrowser(t, newTestHandler(t, idp.provider()))

	resp := b.get(LoginPath)
	state := idp.prepare(t, resp.Header.Get("Location"))
	if resp := b.get(CallbackPath + "?code=good-code&state=" + state); resp.StatusCode != http.StatusFound {
		t.Fatalf("first callback: %d", resp.StatusCode)
	}
	if resp := b.get(CallbackPath + "?code=good-code&state=" + state); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("second callback: expected 400, got %d", resp.StatusCode)
	}
}

func TestCallback_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, idp *fakeIdP, state string) string
		status int
	}{
		{
			name:   "state mismatch",
			mutate: func(_ *testing.T, _ *fakeIdP, _ string) string { return "code=good-code&state=forged" },
			status: http.StatusBadRequest,
		},
		{
			name: "provider error",
			mutate: func(_ *testing.T, _ *fakeIdP, state string) string {
				return "error=access_denied&error_description=denied&state=" + state
			},
			status: http.StatusBadRequest,
		},
		{
			name:   "bad code",
			mutate: func(_ *testing.T, _ *fakeIdP, state string) string { return "code=bad&state=" + state },
			status: http.StatusBadGateway,
		},
		{
			name: "nonce mismatch",
			mutate: func(t *testing.T, idp *fakeIdP, state string) string {
				idp.mu.Lock()
				defer idp.mu.Unlock()
				now := time.Now()
				idp.idToken = idp.sign(t, map[string]any{
					"iss": idp.issuer(), "aud": "portal", "sub": "user-1", "nonce": "other",
					"iat": now.Unix(), "exp": now.Add(time.Hour).Unix(),
				})
				return "code=good-code&state=" + state
			},
			status: http.StatusUnauthorized,
		},
		{
			name: "wrong audience",
			mutate: func(t *testing.T, idp *fakeIdP, state string) string {
				idp.mu.Lock()
				defer idp.mu.Unlock()
				now := time.Now()
				idp.idToken = idp.sign(t, map[string]any{
					"iss": idp.issuer(), "aud": "someone-else", "sub": "user-1", "nonce": idp.nonce,
					"iat": now.Unix(), "exp": now.Add(time.Hour).Unix(),
				})
				return "code=good-code&state=" + state
			},
			status: http.StatusUnauthorized,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			idp := newFakeIdP(t)
			h := newTestHandler(t, idp.provider())
			b := newBrowser(t, h)

			resp := b.get(LoginPath)
			state := idp.prepare(t, resp.Header.Get("Location"))
			resp = b.get(CallbackPath + "?" + tc.mutate(t, idp, state))
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, resp.StatusCode)
			}
			if b.cookies[session.AuthTokenCookie] != nil {
				t.Fatal("session established on a rejected callback")
			}
			if b.cookies[RequestCookieName] != nil {
				t.Fatal("request context not consumed")
			}
		})
	}
}

func TestCallback_ExpiredRequest(t *testing.T) {
	idp := newFakeIdP(t)
	now := time.Now()
	h := newTestHandler(t, idp.provider(), WithClock(func() time.Time { return now }))
	b := newBrowser(t, h)

	resp := b.get(LoginPath)
	state := idp.prepare(t, resp.Header.Get("Location"))
	now = now.Add(pkce.RequestTTL + time.Second)
	if resp := b.get(CallbackPath + "?code=good-code&state=" + state); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if idp.exchanges != 0 {
		t.Fatal("expired request reached the token endpoint")
	}
}

func TestLogin_OpenRedirectSanitised(t *testing.T) {
	for _, next := range []string{"//evil.example", "https://evil.example/x", "/\\evil.example", "javascript:alert(1)",
		"/\t/evil.example", "/\n/evil.example", "/\r/evil.example"} {
		t.Run(next, func(t *testing.T) {
			idp := newFakeIdP(t)
			b := newBrowser(t, newTestHandler(t, idp.provider()))
			resp := signIn(t, b, idp, next)
			if loc := resp.Header.Get("Location"); loc != "/" {
				t.Fatalf("redirected to %q", loc)
			}
		})
	}
}

func TestLocalizedCallback(t *testing.T) {
	h := newTestHandler(t, nil)
	b := newBrowser(t, h)

	resp := b.get("/fa/api/auth/callback?code=a%2Fb&state=xyz")
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("expected 307, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/api/auth/callback?code=a%2Fb&state=xyz" {
		t.Fatalf("location %q", loc)
	}

	if resp := b.get("/de/api/auth/callback?code=x"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unsupported locale: expected 404, got %d", resp.StatusCode)
	}
}

func TestLogout_RedirectsToEndSession(t *testing.T) {
	idp := newFakeIdP(t)
	b := newBrowser(t, newTestHandler(t, idp.provider()))
	signIn(t, b, idp, "/")

	resp := b.get(LogoutPath)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
	u, _ := url.Parse(resp.Header.Get("Location"))
	if !strings.HasPrefix(u.String(), idp.issuer()+"/logout") {
		t.Fatalf("location %s", u)
	}
	q := u.Query()
	if q.Get("client_id") != "portal" || q.Get("post_logout_redirect_uri") != testOrigin+"/api/auth/sign-out" {
		t.Fatalf("logout params: %v", q)
	}
	if q.Get("id_token_hint") == "" {
		t.Error("id_token_hint missing")
	}
	if b.cookies[session.AuthTokenCookie] != nil {
		t.Error("session survived logout")
	}
}

func TestLogout_WithoutEndSessionGoesToSignOut(t *testing.T) {
	idp := newFakeIdP(t)
	p := idp.provider()
	p.config.Endpoints.EndSession = ""
	resp := newBrowser(t, newTestHandler(t, p)).get(LogoutPath)
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != SignOutPath {
		t.Fatalf("got %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}
}

func TestSignOut_ClearsCookiesAndCleansUp(t *testing.T) {
	idp := newFakeIdP(t)
	h := newTestHandler(t, idp.provider())
	b := newBrowser(t, h)
	signIn(t, b, idp, "/")

	resp := b.get(SignOutPath)
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/?logout=success&cleanup=true" {
		t.Fatalf("sign-out: %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}
	if !strings.Contains(resp.Header.Get("Cache-Control"), "no-store") {
		t.Errorf("Cache-Control %q", resp.Header.Get("Cache-Control"))
	}
	for _, name := range []string{session.AuthTokenCookie, session.RefreshTokenCookie, RequestCookieName} {
		if c := findCookie(resp.Cookies(), name); c == nil || c.MaxAge >= 0 {
			t.Errorf("%s not expired: %+v", name, c)
		}
	}

	resp = b.get("/?logout=success&cleanup=true&tab=2")
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/?tab=2" {
		t.Fatalf("cleanup: %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}

	resp = b.get("/?tab=2")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("home: %d", resp.StatusCode)
	}

	env := decodeEnvelope(t, b.get(SessionPath))
	if env.Data.IsAuthenticated {
		t.Fatal("still authenticated after sign-out")
	}
}

func TestSignOut_ErrorOutcome(t *testing.T) {
	resp := newBrowser(t, newTestHandler(t, nil)).get(SignOutPath + "?error=login_required")
	if resp.Header.Get("Location") != "/?logout=error&cleanup=true" {
		t.Fatalf("location %q", resp.Header.Get("Location"))
	}
}

func TestHomePage_Locale(t *testing.T) {
	lp := &locale.Processor{Resolver: locale.NewResolver(locale.English)}
	h := newTestHandler(t, nil, WithLocale(lp))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Accept-Language", "fa-IR,fa;q=0.9")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `lang="fa"`) || !strings.Contains(body, `dir="rtl"`) {
		t.Fatalf("body %s", body)
	}
	if c := findCookie(rec.Result().Cookies(), locale.CookieName); c == nil || c.Value != "fa" {
		t.Errorf("locale cookie: %+v", c)
	}
}

type fakeWalletBackend struct {
	calls int
	err   error
}

func (f *fakeWalletBackend) WalletLogin(_ context.Context, address, _, _ string) (*session.UserProfile, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &session.UserProfile{ID: "w-1", Username: address}, nil
}

func signWallet(t *testing.T, message string) wallet.Request {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return signWalletWith(t, key, message)
}

func signWalletWith(t *testing.T, key *ecdsa.PrivateKey, message string) wallet.Request {
	t.Helper()
	sig, err := ethcrypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		t.Fatal(err)
	}
	sig[ethcrypto.RecoveryIDOffset] += 27
	return wallet.Request{
		Address:   ethcrypto.PubkeyToAddress(key.PublicKey).Hex(),
		Message:   message,
		Signature: hexutil.Encode(sig),
	}
}

func TestWalletLogin(t *testing.T) {
	fb := &fakeWalletBackend{}
	auth := wallet.NewAuthenticator(wallet.NewRegistry(wallet.WithCooldown(0)), fb, nil, nil)
	h := newTestHandler(t, nil, WithWallet(auth, nil))
	b := newBrowser(t, h)

	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	req := signWalletWith(t, key, "Sign in to the portal")
	env := decodeEnvelope(t, b.postJSON(WalletPath, req))
	if !env.Success || env.Data.AuthMethod != session.MethodWallet || env.Data.WalletAddress != req.Address {
		t.Fatalf("wallet login: %+v", env)
	}
	if fb.calls != 1 {
		t.Fatalf("backend calls %d", fb.calls)
	}

	// Replaying the same signed message is refused.
	resp := b.postJSON(WalletPath, req)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("replay: expected 401, got %d", resp.StatusCode)
	}
	if env := decodeEnvelope(t, resp); env.Success {
		t.Fatalf("replay: %+v", env)
	}

	// A freshly signed login for the same wallet is served from the registry.
	if env := decodeEnvelope(t, b.postJSON(WalletPath, signWalletWith(t, key, "Sign in to the portal again"))); !env.Success {
		t.Fatalf("repeat login: %+v", env)
	}
	if fb.calls != 1 {
		t.Fatalf("backend called again: %d", fb.calls)
	}

	env = decodeEnvelope(t, b.postJSON(WalletDisconnect, map[string]string{"address": req.Address}))
	if !env.Success || env.Data.IsAuthenticated {
		t.Fatalf("disconnect: %+v", env)
	}
}

func TestWalletLogin_Errors(t *testing.T) {
	good := signWallet(t, "hello")
	forged := good
	forged.Message = "goodbye"

	tests := []struct {
		name    string
		req     wallet.Request
		backend error
		status  int
	}{
		{"forged signature", forged, nil, http.StatusBadRequest},
		{"missing signature", wallet.Request{Address: good.Address}, nil, http.StatusBadRequest},
		{"backend rejects", good, &backend.APIError{Status: http.StatusUnauthorized, Message: "nope"}, http.StatusUnauthorized},
		{"backend down", good, &backend.APIError{Status: http.StatusServiceUnavailable}, http.StatusBadGateway},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fb := &fakeWalletBackend{err: tc.backend}
			auth := wallet.NewAuthenticator(wallet.NewRegistry(wallet.WithCooldown(0)), fb, nil, nil)
			b := newBrowser(t, newTestHandler(t, nil, WithWallet(auth, nil)))

			resp := b.postJSON(WalletPath, tc.req)
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, resp.StatusCode)
			}
			env := decodeEnvelope(t, resp)
			if env.Success || env.Error == "" {
				t.Fatalf("envelope %+v", env)
			}
		})
	}
}

func TestWalletLogin_CooldownAndRateLimit(t *testing.T) {
	fb := &fakeWalletBackend{}
	auth := wallet.NewAuthenticator(wallet.NewRegistry(), fb, nil, nil)
	b := newBrowser(t, newTestHandler(t, nil, WithWallet(auth, middleware.NewRateLimiter(60))))

	if resp := b.postJSON(WalletPath, signWallet(t, "a")); resp.StatusCode != http.StatusOK {
		t.Fatalf("first login: %d", resp.StatusCode)
	}
	resp := b.postJSON(WalletPath, signWallet(t, "b"))
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second wallet inside cooldown: expected 429, got %d", resp.StatusCode)
	}

	// Burst is rpm/10; keep going until the limiter itself answers.
	limited := false
	for range 10 {
		if resp := b.postJSON(WalletPath, signWallet(t, "c")); resp.StatusCode == http.StatusTooManyRequests && resp.Header.Get("Retry-After") != "" {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("rate limiter never engaged")
	}
}

type fakeTransparency struct {
	user *session.UserProfile
}

func (f *fakeTransparency) TransparencyLogin(_ context.Context, username, password string) (*session.UserProfile, []*http.Cookie, error) {
	if password != "secret" {
		return nil, nil, &backend.APIError{Status: http.StatusUnauthorized}
	}
	f.user = &session.UserProfile{ID: "t-1", Username: username}
	return f.user, []*http.Cookie{{Name: "sessionid", Value: "s-1", Domain: "backend.internal"}}, nil
}

func (f *fakeTransparency) TransparencyMe(_ context.Context, cookies []*http.Cookie) (*session.UserProfile, error) {
	for _, c := range cookies {
		if c.Name == "sessionid" && c.Value == "s-1" && f.user != nil {
			return f.user, nil
		}
	}
	return nil, &backend.APIError{Status: http.StatusUnauthorized}
}

func (f *fakeTransparency) TransparencyLogout(context.Context, []*http.Cookie) ([]*http.Cookie, error) {
	f.user = nil
	return []*http.Cookie{{Name: "sessionid", Value: "", MaxAge: -1}}, nil
}

func TestTransparency(t *testing.T) {
	ft := &fakeTransparency{}
	b := newBrowser(t, newTestHandler(t, nil, WithTransparency(ft)))

	if resp := b.postJSON("/transparency/login", map[string]string{"username": "bob", "password": "wrong"}); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad password: %d", resp.StatusCode)
	}

	resp := b.postJSON("/transparency/login", map[string]string{"username": "bob", "password": "secret"})
	c := findCookie(resp.Cookies(), "sessionid")
	if c == nil || c.Domain != "" || !c.HttpOnly {
		t.Fatalf("relayed cookie: %+v", c)
	}
	if env := decodeEnvelope(t, resp); env.Data.AuthMethod != session.MethodTransparency {
		t.Fatalf("login: %+v", env)
	}

	// Nothing is persisted; the session route mirrors the backend.
	env := decodeEnvelope(t, b.get(SessionPath))
	if !env.Data.IsAuthenticated || env.Data.AuthMethod != session.MethodTransparency || env.Data.User.Username != "bob" {
		t.Fatalf("session: %+v", env)
	}
	if env := decodeEnvelope(t, b.get("/transparency/api/session")); !env.Success {
		t.Fatalf("transparency session: %+v", env)
	}

	b.postJSON("/transparency/logout", nil)
	if b.cookies["sessionid"] != nil {
		t.Fatal("backend cookie survived logout")
	}
	if resp := b.get("/transparency/api/session"); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("after logout: %d", resp.StatusCode)
	}
}

func TestBackendProxy_AuthorizationOnlyForSSO(t *testing.T) {
	var gotPath, gotAuth, gotCookie string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotAuth, gotCookie = r.URL.Path, r.Header.Get("Authorization"), r.Header.Get("Cookie")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	idp := newFakeIdP(t)
	h := newTestHandler(t, idp.provider(), WithBackendProxy(upstream.URL+"/v1"))

	anon := newBrowser(t, h)
	anon.cookies["csrftoken"] = &http.Cookie{Name: "csrftoken", Value: "c"}
	anon.get(BackendPrefix + "tokens/")
	if gotPath != "/v1/tokens/" || gotAuth != "" || gotCookie != "csrftoken=c" {
		t.Fatalf("anonymous: path=%q auth=%q cookie=%q", gotPath, gotAuth, gotCookie)
	}

	b := newBrowser(t, h)
	signIn(t, b, idp, "/")
	b.get(BackendPrefix + "me")
	if !strings.HasPrefix(gotAuth, "Bearer ") {
		t.Fatalf("sso: auth=%q", gotAuth)
	}
	if strings.Contains(gotCookie, session.AuthTokenCookie) {
		t.Fatalf("portal cookie leaked upstream: %q", gotCookie)
	}
}

func TestResultEndpointOverride(t *testing.T) {
	idp := newFakeIdP(t)
	var got *AuthResult
	h := newTestHandler(t, idp.provider(), WithResultEndpoint(func(_ http.ResponseWriter, _ *http.Request, res *AuthResult) (endpoint.Renderer, error) {
		got = res
		return &endpoint.StringRenderer{Body: "done"}, nil
	}))
	b := newBrowser(t, h)
	if resp := signIn(t, b, idp, "/x"); resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if got == nil || got.Error != nil || got.Claims.Subject != "user-1" || got.IDToken == nil || got.NextURL != "/x" {
		t.Fatalf("result %+v", got)
	}
}

func TestValidateNextURLIsLocal(t *testing.T) {
	tests := map[string]string{
		"":                "/",
		"/a?b=c":          "/a?b=c",
		"//evil":          "/",
		"/\\evil":         "/",
		"http://evil/":    "/",
		"relative/path":   "/",
		"/fa/dashboard#x": "/fa/dashboard#x",
		"/\t/evil":        "/",
		"/\n/evil":        "/",
		"/\r/evil":        "/",
		"/a\\b":           "/",
		"/\x00x":          "/",
	}
	for in, want := range tests {
		if got := ValidateNextURLIsLocal(in); got != want {
			t.Errorf("ValidateNextURLIsLocal(%q) = %q, want %q", in, got, want)
		}
	}
}
