package middleware

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/tokenportal/portal/endpoint"
)

// Recover turns a panic in a later processor or endpoint into a 500 with a
// minimal fallback body. The request's in-flight cookies are still committed
// by the endpoint handler's error path.
func Recover(logger *zap.Logger) endpoint.Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return endpoint.ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) (err error) {
		defer func() {
			if v := recover(); v != nil {
				logger.Error("panic in handler",
					zap.String("path", r.URL.Path),
					zap.String("panic", fmt.Sprint(v)),
					zap.Stack("stack"),
				)
				err = endpoint.Error(http.StatusInternalServerError, "Loading…", nil)
			}
		}()
		return next(w, r)
	})
}
