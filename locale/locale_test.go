package locale

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tokenportal/portal/endpoint"
)

func TestStripPrefix(t *testing.T) {
	tests := []struct {
		in, loc, rest string
	}{
		{"/fa/api/auth/callback", "fa", "/api/auth/callback"},
		{"/en/dashboard/", "en", "/dashboard/"},
		{"/fa", "fa", "/"},
		{"/fax/x", "", "/fax/x"},
		{"/api/auth/callback", "", "/api/auth/callback"},
		{"/", "", "/"},
	}
	for _, tc := range tests {
		loc, rest := StripPrefix(tc.in)
		if loc != tc.loc || rest != tc.rest {
			t.Errorf("StripPrefix(%q) = %q, %q; want %q, %q", tc.in, loc, rest, tc.loc, tc.rest)
		}
	}
}

func TestResolve_Order(t *testing.T) {
	rs := NewResolver("en")
	tests := []struct {
		name   string
		path   string
		cookie string
		accept string
		want   string
		source Source
	}{
		{"path wins", "/fa/whitepaper", "en", "en-US", "fa", SourcePath},
		{"cookie", "/whitepaper", "fa", "en-US", "fa", SourceCookie},
		{"bad cookie ignored", "/", "de", "fa-IR,en;q=0.5", "fa", SourceHeader},
		{"header", "/", "", "fa-IR", "fa", SourceHeader},
		{"unsupported header", "/", "", "de-DE", "en", SourceDefault},
		{"nothing", "/", "", "", "en", SourceDefault},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.cookie != "" {
				r.AddCookie(&http.Cookie{Name: CookieName, Value: tc.cookie})
			}
			if tc.accept != "" {
				r.Header.Set("Accept-Language", tc.accept)
			}
			got, src := rs.Resolve(r)
			if got != tc.want || src != tc.source {
				t.Fatalf("got %q/%v want %q/%v", got, src, tc.want, tc.source)
			}
		})
	}
}

func TestRTL(t *testing.T) {
	if !IsRTL("fa") || IsRTL("en") || Dir("fa") != "rtl" || Dir("en") != "ltr" {
		t.Fatal("direction mismatch")
	}
}

func TestProcessor_SetsCookie(t *testing.T) {
	p := &Processor{Resolver: NewResolver("en"), Secure: true}
	var seen string
	h := endpoint.Handler(func(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
		seen = FromContext(r.Context())
		return &endpoint.NoContentRenderer{}, nil
	}, p)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fa/roadmap", nil))
	if seen != "fa" || rec.Header().Get("Content-Language") != "fa" {
		t.Fatalf("locale: %q", seen)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("cookies: %v", cookies)
	}
	c := cookies[0]
	if c.Name != CookieName || c.Value != "fa" || c.HttpOnly || c.SameSite != http.SameSiteStrictMode || c.MaxAge != 365*24*60*60 {
		t.Fatalf("cookie: %+v", c)
	}

	r := httptest.NewRequest(http.MethodGet, "/roadmap", nil)
	r.AddCookie(&http.Cookie{Name: CookieName, Value: "fa"})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if len(rec.Result().Cookies()) != 0 {
		t.Fatal("unchanged locale should not rewrite the cookie")
	}
}
