package middleware

import (
	"log/slog"
	"net/http"

	"kafka-replicator/shared/authx"
	"kafka-replicator/shared/httpx"
	"kafka-replicator/shared/logx"
	"kafka-replicator/shared/metricsx"
)

// APIKeyMiddleware rejects requests whose x-api-key header does not match the shared secret.
// Rejected requests never reach next, so no event data is written.
type APIKeyMiddleware struct {
	Verifier *authx.APIKeyVerifier
	Logger   logx.Logger
	Skip     func(*http.Request) bool
}

func (m APIKeyMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		if err := m.Verifier.Verify(r.Header.Get(authx.HeaderAPIKey)); err != nil {
			metricsx.IncAPIUnauthorized()
			m.Logger.Warn(r.Context(), "api_unauthorized", "unauthorized access attempt",
				slog.String("path", r.URL.Path),
				slog.String("client_ip", httpx.ClientIP(r)),
			)
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "unauthorized", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ValidAPIKey reports whether a request carries the shared secret. A nil verifier accepts
// nothing.
func ValidAPIKey(v *authx.APIKeyVerifier) func(*http.Request) bool {
	return func(r *http.Request) bool {
		return v.Verify(r.Header.Get(authx.HeaderAPIKey)) == nil
	}
}
