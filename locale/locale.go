// Package locale resolves the UI language of a request.
package locale

import (
	"context"
	"net/http"
	"strings"
	"time"

	"golang.org/x/text/language"

	"github.com/tokenportal/portal/endpoint"
)

// CookieName remembers the chosen locale. Client scripts read it, so it is
// not HttpOnly.
const CookieName = "NEXT_LOCALE"

const cookieMaxAge = 365 * 24 * time.Hour

const (
	English = "en"
	Farsi   = "fa"
)

// Supported lists the locales in matcher preference order.
var Supported = []string{English, Farsi}

// IsSupported reports whether l is one of Supported.
func IsSupported(l string) bool {
	for _, s := range Supported {
		if s == l {
			return true
		}
	}
	return false
}

// IsRTL reports whether l is written right to left.
func IsRTL(l string) bool {
	return l == Farsi
}

// Dir is the HTML dir attribute for l.
func Dir(l string) string {
	if IsRTL(l) {
		return "rtl"
	}
	return "ltr"
}

// StripPrefix splits a leading supported locale segment off p. It returns an
// empty locale and p unchanged when there is none.
func StripPrefix(p string) (loc, rest string) {
	trimmed := strings.TrimPrefix(p, "/")
	seg, after, found := strings.Cut(trimmed, "/")
	if !IsSupported(seg) {
		return "", p
	}
	if !found {
		return seg, "/"
	}
	return seg, "/" + after
}

// Source says where a resolved locale came from.
type Source uint8

const (
	SourceDefault Source = iota
	SourcePath
	SourceCookie
	SourceHeader
)

// Resolver picks a locale from the path prefix, the NEXT_LOCALE cookie, the
// Accept-Language header and finally the default, in that order.
type Resolver struct {
	def     string
	matcher language.Matcher
}

// NewResolver returns a Resolver falling back to def, or English if def is
// not supported.
func NewResolver(def string) *Resolver {
	if !IsSupported(def) {
		def = English
	}
	tags := make([]language.Tag, 0, len(Supported))
	tags = append(tags, language.Make(def))
	for _, s := range Supported {
		if s != def {
			tags = append(tags, language.Make(s))
		}
	}
	return &Resolver{def: def, matcher: language.NewMatcher(tags)}
}

// Resolve returns the locale for r.
func (rs *Resolver) Resolve(r *http.Request) (string, Source) {
	if loc, _ := StripPrefix(r.URL.Path); loc != "" {
		return loc, SourcePath
	}
	if c, err := r.Cookie(CookieName); err == nil && IsSupported(c.Value) {
		return c.Value, SourceCookie
	}
	if h := r.Header.Get("Accept-Language"); h != "" {
		if loc, ok := rs.match(h); ok {
			return loc, SourceHeader
		}
	}
	return rs.def, SourceDefault
}

func (rs *Resolver) match(acceptLanguage string) (string, bool) {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return "", false
	}
	tag, _, conf := rs.matcher.Match(tags...)
	if conf == language.No {
		return "", false
	}
	base, _ := tag.Base()
	if !IsSupported(base.String()) {
		return "", false
	}
	return base.String(), true
}

// Cookie returns the NEXT_LOCALE cookie for loc.
func Cookie(loc string, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    loc,
		Path:     "/",
		MaxAge:   int(cookieMaxAge / time.Second),
		Expires:  time.Now().Add(cookieMaxAge),
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	}
}

type ctxKey struct{}

// FromContext returns the locale stored by a Processor, or "".
func FromContext(ctx context.Context) string {
	l, _ := ctx.Value(ctxKey{}).(string)
	return l
}

// NewContext returns ctx carrying loc.
func NewContext(ctx context.Context, loc string) context.Context {
	return context.WithValue(ctx, ctxKey{}, loc)
}

// Processor resolves the locale, puts it in the request context, sets
// Content-Language, and refreshes the NEXT_LOCALE cookie when it changed.
type Processor struct {
	Resolver *Resolver
	Secure   bool
}

func (p *Processor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	loc, _ := p.Resolver.Resolve(r)
	ctx := NewContext(r.Context(), loc)
	w.Header().Set("Content-Language", loc)
	if c, err := r.Cookie(CookieName); err != nil || c.Value != loc {
		endpoint.Defer(ctx, func(w http.ResponseWriter) {
			http.SetCookie(w, Cookie(loc, p.Secure))
		})
	}
	return next(w, r.WithContext(ctx))
}

var _ endpoint.Processor = (*Processor)(nil)
