package middleware

import (
	"net/http"
	"os"

	"go.uber.org/zap"
)

var exit = os.Exit

// StateCriticalRoute wraps an HTTP handler that moves a worker through the
// chunk scheduling protocol. A panic in such a handler means the per-rank
// reply slots or the delivery bookkeeping no longer agree with the
// coordinator's assignment table. The master image can no longer be trusted
// to hold every chunk exactly once, so the process exits instead of serving
// further requests.
func StateCriticalRoute(h http.HandlerFunc, logger *zap.Logger) http.HandlerFunc {
	return func(res http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("state critical route panicked",
					zap.String("path", req.URL.Path),
					zap.Any("err", err),
					zap.Stack("stack"))
				exit(1)
			}
		}()
		h(res, req)
	}
}
