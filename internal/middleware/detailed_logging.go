package middleware

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"socialbridge/internal/constants"
	"socialbridge/internal/httputil"
	"socialbridge/internal/privacy"
	"socialbridge/internal/tracing"

	"github.com/sirupsen/logrus"
)

// DetailedLoggingConfig controls what the debug request dump includes
type DetailedLoggingConfig struct {
	LogRequestHeaders bool
	LogRequestBody    bool
	LogResponseBody   bool
	MaxBodySize       int
	SensitiveHeaders  []string
	SkipPrefixes      []string
}

func DefaultDetailedLoggingConfig() DetailedLoggingConfig {
	return DetailedLoggingConfig{
		LogRequestHeaders: true,
		MaxBodySize:       1024,
		SensitiveHeaders: []string{
			"authorization", "cookie", "set-cookie",
			"x-hub-signature-256", "x-hub-signature",
		},
		SkipPrefixes: []string{"/metrics", "/health", "/ws/"},
	}
}

// DetailedLogging dumps requests and optionally responses at debug level.
// Webhook bodies carry message content and are masked before logging.
func DetailedLogging(logger *logrus.Logger, config DetailedLoggingConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !logger.IsLevelEnabled(logrus.DebugLevel) || skipPath(r.URL.Path, config.SkipPrefixes) {
				next.ServeHTTP(w, r)
				return
			}

			requestID := tracing.RequestID(r.Context())
			logRequestDetails(logger, r, requestID, config)

			if !config.LogResponseBody {
				next.ServeHTTP(w, r)
				return
			}
			capture := &responseCapture{responseWrapper: responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}}
			next.ServeHTTP(capture, r)
			logResponseDetails(logger, capture, requestID, config)
		})
	}
}

func skipPath(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func logRequestDetails(logger *logrus.Logger, r *http.Request, requestID string, config DetailedLoggingConfig) {
	fields := logrus.Fields{
		constants.LogFieldRequestID: requestID,
		constants.LogFieldMethod:    r.Method,
		constants.LogFieldURL:       r.URL.String(),
		constants.LogFieldRemoteIP:  httputil.ClientIP(r),
		"content_length":            r.ContentLength,
		"protocol":                  r.Proto,
	}

	if config.LogRequestHeaders {
		fields["request_headers"] = maskHeaders(r.Header, config.SensitiveHeaders)
	}

	if config.LogRequestBody && isTextBody(r.Header.Get("Content-Type")) &&
		r.ContentLength > 0 && r.ContentLength <= int64(config.MaxBodySize) {
		body, err := io.ReadAll(r.Body)
		if err == nil {
			r.Body = io.NopCloser(bytes.NewReader(body))
			fields["request_body"] = privacy.MaskSensitiveFields(map[string]interface{}{"body": string(body)})["body"]
		}
	}

	logger.WithFields(fields).Debug("Detailed request logging")
}

func logResponseDetails(logger *logrus.Logger, capture *responseCapture, requestID string, config DetailedLoggingConfig) {
	fields := logrus.Fields{
		constants.LogFieldRequestID:  requestID,
		constants.LogFieldStatusCode: capture.statusCode,
		constants.LogFieldSize:       capture.body.Len(),
	}
	if size := capture.body.Len(); size > config.MaxBodySize {
		fields["response_body"] = fmt.Sprintf("***TRUNCATED*** (size: %d bytes)", size)
	} else if size > 0 {
		fields["response_body"] = privacy.MaskSensitiveFields(map[string]interface{}{"body": capture.body.String()})["body"]
	}
	logger.WithFields(fields).Debug("Detailed response logging")
}

func maskHeaders(header http.Header, sensitive []string) map[string]string {
	out := make(map[string]string, len(header))
	for name, values := range header {
		if isSensitiveHeader(name, sensitive) {
			out[name] = "***MASKED***"
		} else {
			out[name] = strings.Join(values, ", ")
		}
	}
	return out
}

// responseCapture keeps a copy of the body for the response dump
type responseCapture struct {
	responseWrapper
	body bytes.Buffer
}

func (rc *responseCapture) Write(data []byte) (int, error) {
	n, err := rc.responseWrapper.Write(data)
	rc.body.Write(data[:n])
	return n, err
}

func isSensitiveHeader(name string, sensitive []string) bool {
	for _, s := range sensitive {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}

func isTextBody(contentType string) bool {
	for _, textType := range []string{"application/json", "application/xml", "text/", "application/x-www-form-urlencoded"} {
		if strings.Contains(contentType, textType) {
			return true
		}
	}
	return false
}
