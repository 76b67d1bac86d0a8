// Package endpoint is the typed handler pipeline used by every route of the
// portal.
//
// A request flows through three phases:
//
//  1. Processors run in order (sessions, locale, headers, rate limits). They
//     may short-circuit by returning an error.
//  2. The request is decoded into the endpoint's params struct using struct
//     tags (see Unmarshal) and the EndpointFunc runs the handler logic. It
//     returns a Renderer instead of writing to the response.
//  3. Deferred hooks registered with Defer run (cookies are written here),
//     then the Renderer writes status, headers and body.
//
// Errors returned from any phase are written as plain-text HTTP errors; an
// *EndpointError chooses the status code.
package endpoint

import (
	"context"
	"errors"
	"io"
	"net/http"
)

// EndpointError is an error with an HTTP status and a client-visible message.
type EndpointError struct {
	Status int
	// Message is written as the response body. Empty means the status text.
	Message string
	Cause   error
}

func (e *EndpointError) Error() string {
	if e == nil {
		return "endpoint: <nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if msg == "" {
		msg = "unknown error"
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *EndpointError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Error returns an *EndpointError. If err already is (or wraps) an
// *EndpointError it is returned unchanged so the innermost status wins.
func Error(status int, message string, err error) error {
	var ee *EndpointError
	if errors.As(err, &ee) {
		return err
	}
	return &EndpointError{Status: status, Message: message, Cause: err}
}

// StatusOf reports the HTTP status an error would be rendered with.
func StatusOf(err error) int {
	var ee *EndpointError
	if errors.As(err, &ee) && ee != nil && ee.Status >= 100 {
		return ee.Status
	}
	return http.StatusInternalServerError
}

// Renderer writes a response. Implementations must call WriteHeader.
type Renderer interface {
	Render(w http.ResponseWriter, r *http.Request) error
}

// RendererFunc adapts a function to a Renderer.
type RendererFunc func(w http.ResponseWriter, r *http.Request) error

func (f RendererFunc) Render(w http.ResponseWriter, r *http.Request) error {
	return f(w, r)
}

// Processor is middleware that runs before the endpoint.
//
// A Processor must call next unless it short-circuits. It short-circuits by
// returning an error, or by calling Commit and rendering a response itself
// before returning nil. Headers may be set directly; cookies that depend on
// the outcome of the endpoint should be written from a Defer hook.
type Processor interface {
	Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error
}

// ProcessorFunc adapts a function to a Processor.
type ProcessorFunc func(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error

func (f ProcessorFunc) Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error {
	return f(w, r, next)
}

// EndpointFunc holds the handler logic for one route. params is decoded from
// the request by the EndpointHandler before the call.
type EndpointFunc[P any] func(w http.ResponseWriter, r *http.Request, params P) (Renderer, error)

// EndpointHandler adapts an EndpointFunc and its processors to http.Handler.
type EndpointHandler[P any] struct {
	Endpoint   EndpointFunc[P]
	Processors []Processor
}

// Handler constructs an EndpointHandler, inferring P from fn.
func Handler[P any](fn EndpointFunc[P], processors ...Processor) *EndpointHandler[P] {
	return &EndpointHandler[P]{Endpoint: fn, Processors: processors}
}

// HandleFunc is Handler returning an http.HandlerFunc.
func HandleFunc[P any](fn EndpointFunc[P], processors ...Processor) http.HandlerFunc {
	return Handler(fn, processors...).ServeHTTP
}

type hooksKey struct{}

// Defer registers fn to run just before the response headers are written,
// after the endpoint has returned. Hooks run in LIFO order.
//
// Outside an EndpointHandler there is no hook registry and Defer does nothing.
func Defer(ctx context.Context, fn func(http.ResponseWriter)) {
	hooks, ok := ctx.Value(hooksKey{}).(*[]func(http.ResponseWriter))
	if ok && hooks != nil {
		*hooks = append(*hooks, fn)
	}
}

// Commit runs and clears the hooks registered with Defer.
func Commit(ctx context.Context, w http.ResponseWriter) {
	hooks, ok := ctx.Value(hooksKey{}).(*[]func(http.ResponseWriter))
	if !ok || hooks == nil {
		return
	}
	pending := *hooks
	*hooks = nil
	for i := len(pending) - 1; i >= 0; i-- {
		pending[i](w)
	}
}

// ServeHTTP implements http.Handler.
func (h *EndpointHandler[P]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Endpoint == nil {
		http.Error(w, "endpoint: nil EndpointFunc", http.StatusInternalServerError)
		return
	}

	if r.Context().Value(hooksKey{}) == nil {
		var hooks []func(http.ResponseWriter)
		r = r.WithContext(context.WithValue(r.Context(), hooksKey{}, &hooks))
	}

	var run func(i int, w http.ResponseWriter, r *http.Request) error
	run = func(i int, w http.ResponseWriter, r *http.Request) error {
		if i < len(h.Processors) {
			p := h.Processors[i]
			if p == nil {
				return errors.New("endpoint: nil processor")
			}
			return p.Process(w, r, func(w http.ResponseWriter, r *http.Request) error {
				return run(i+1, w, r)
			})
		}

		var params P
		if err := Unmarshal(r, &params); err != nil {
			return err
		}
		renderer, err := h.Endpoint(w, r, params)
		if err != nil {
			return err
		}
		if renderer == nil {
			return errors.New("endpoint: nil renderer")
		}
		if c, ok := renderer.(io.Closer); ok {
			defer c.Close()
		}
		Commit(r.Context(), w)
		return renderer.Render(w, r)
	}

	if err := run(0, w, r); err != nil {
		status := StatusOf(err)
		message := err.Error()
		var ee *EndpointError
		if errors.As(err, &ee) && ee != nil {
			message = ee.Message
			if message == "" {
				message = http.StatusText(status)
			}
		}
		Commit(r.Context(), w)
		http.Error(w, message, status)
	}
}
