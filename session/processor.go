package session

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tokenportal/portal/endpoint"
)

type storeKey struct{}

// NewContext returns ctx carrying s.
func NewContext(ctx context.Context, s *Store) context.Context {
	return context.WithValue(ctx, storeKey{}, s)
}

// FromContext returns the request's Store, or nil outside a Processor.
func FromContext(ctx context.Context) *Store {
	s, _ := ctx.Value(storeKey{}).(*Store)
	return s
}

// Processor gives every request a rehydrated Store and flushes it just
// before the response headers are written.
type Processor struct {
	Backend Backend
	Logger  *zap.Logger
	Now     func() time.Time
}

func NewProcessor(backend Backend, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{Backend: backend, Logger: logger, Now: time.Now}
}

func (p *Processor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	store := NewStore(p.Backend.Bind(w, r), WithClock(now), WithLogger(p.Logger))
	ctx := r.Context()
	store.Rehydrate(ctx)
	ctx = NewContext(ctx, store)
	endpoint.Defer(ctx, func(http.ResponseWriter) {
		if err := store.Flush(ctx); err != nil {
			p.Logger.Error("failed to flush session", zap.Error(err))
		}
	})
	return next(w, r.WithContext(ctx))
}

// RequireAuth rejects unauthenticated requests. API paths get a 401 JSON
// envelope, pages are redirected to loginPath with a next parameter.
func RequireAuth(loginPath string) endpoint.Processor {
	return endpoint.ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
		if s := FromContext(r.Context()); s != nil && s.IsAuthenticated() {
			return next(w, r)
		}
		endpoint.Commit(r.Context(), w)
		if strings.Contains(r.URL.Path, "/api/") {
			return (&endpoint.JSONRenderer{
				Status: http.StatusUnauthorized,
				Value:  map[string]any{"success": false, "error": "authentication required"},
			}).Render(w, r)
		}
		target := loginPath + "?next=" + url.QueryEscape(r.URL.RequestURI())
		return (&endpoint.RedirectRenderer{URL: target, Status: http.StatusFound}).Render(w, r)
	})
}

var _ endpoint.Processor = (*Processor)(nil)
