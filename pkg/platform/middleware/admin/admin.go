package admin

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"gatekeeper/pkg/platform/httputil"
	request "gatekeeper/pkg/platform/middleware/request"
)

// HeaderAdminToken carries the shared secret used by the auth backend when it
// calls internal endpoints.
const HeaderAdminToken = "X-Admin-Token"

// RequireAdminToken guards internal routes with a shared secret. An empty
// expected token disables the routes entirely.
func RequireAdminToken(expectedToken string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get(HeaderAdminToken)
			if expectedToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
				ctx := r.Context()
				logger.WarnContext(ctx, "admin token mismatch",
					"request_id", request.GetRequestID(ctx),
				)
				httputil.WriteErrorCode(w, http.StatusUnauthorized, "unauthorized", "admin token required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
