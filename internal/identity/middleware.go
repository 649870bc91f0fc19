package identity

import (
	"net/http"

	"gatekeeper/pkg/requestcontext"
)

// Identify resolves the caller's identity once per request and attaches it to
// the request context. It never rejects a request.
func Identify(a *Assembler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			id := a.Resolve(ctx, r.Header)

			ctx = WithContext(ctx, id)
			if id.IsAuthenticated() {
				ctx = requestcontext.WithUserID(ctx, id.UserID())
			}
			if s := id.Session(); s != nil {
				ctx = requestcontext.WithSessionID(ctx, s.ID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
