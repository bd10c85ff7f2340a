package versioning

import (
	"context"
	"net/http"

	apperrors "socialbridge/internal/errors"
	"socialbridge/internal/httputil"
	"socialbridge/internal/tracing"

	"github.com/sirupsen/logrus"
)

type contextKey string

const versionContextKey contextKey = "api_version"

const (
	AcceptVersionHeader     = "Accept-Version"
	CurrentVersionHeader    = "X-API-Version"
	SupportedVersionsHeader = "X-Supported-Versions"
)

// Middleware stamps every response with the served version and rejects
// requests for versions outside the supported range. Requests without
// Accept-Version get the current version.
func Middleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(CurrentVersionHeader, CurrentVersion.String())
			w.Header().Set(SupportedVersionsHeader, Range())

			requested := CurrentVersion
			if raw := r.Header.Get(AcceptVersionHeader); raw != "" {
				v, err := ParseVersion(raw)
				if err != nil {
					httputil.WriteError(w, apperrors.NewValidationError(AcceptVersionHeader, raw, err.Error()), tracing.RequestID(r.Context()))
					return
				}
				requested = v
			}

			if !Supported(requested) {
				logger.WithFields(logrus.Fields{
					"requested_version": requested.String(),
					"path":              r.URL.Path,
				}).Warn("Unsupported API version requested")

				err := apperrors.NewValidationError(AcceptVersionHeader, requested.String(), "unsupported API version; supported: "+Range())
				status := http.StatusBadRequest
				if requested.Compare(MinimumSupportedVersion) < 0 {
					status = http.StatusUpgradeRequired
				}
				httputil.WriteJSON(w, status, apperrors.ToHTTPResponse(err, tracing.RequestID(r.Context())))
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), versionContextKey, requested)))
		})
	}
}

// FromContext returns the version negotiated for the request
func FromContext(ctx context.Context) (APIVersion, bool) {
	v, ok := ctx.Value(versionContextKey).(APIVersion)
	return v, ok
}
