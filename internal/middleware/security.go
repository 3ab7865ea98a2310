package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/render"

	apierrors "github.com/2sic/resizer/internal/errors"
	"github.com/2sic/resizer/internal/infrastructure"
	"github.com/2sic/resizer/internal/security"
)

// AdminTokenAuth requires the token as "Authorization: Bearer <token>" or
// X-API-Key. An empty token disables the check.
func AdminTokenAuth(token string, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get("X-API-Key")
			if auth := r.Header.Get("Authorization"); presented == "" && strings.HasPrefix(auth, "Bearer ") {
				presented = strings.TrimPrefix(auth, "Bearer ")
			}

			if presented == "" || !security.SecureCompare([]byte(presented), []byte(token)) {
				ctx := r.Context()
				logger.WarnContext(ctx, "admin token rejected",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
					slog.Bool("token_present", presented != ""),
				)
				_ = render.Render(w, r, apierrors.MapLicenseError(apierrors.ErrUnauthorized, infrastructure.GetTraceID(ctx)))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
