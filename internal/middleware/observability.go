// Package middleware wraps the HTTP API with request ids, tracing, metrics
// and access logging.
package middleware

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"socialbridge/internal/constants"
	"socialbridge/internal/httputil"
	"socialbridge/internal/metrics"
	"socialbridge/internal/tracing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// RequestIDHeader is read from incoming requests and echoed on responses
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLength = 128

// Observability starts a span, assigns a request id, records Prometheus HTTP
// metrics and logs each request. Route labels use the mux path template so
// ids in paths do not explode label cardinality.
func Observability(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := routeTemplate(r)

			ctx, span := tracing.StartSpan(r.Context(), "HTTP "+r.Method+" "+route,
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
				attribute.String("url.path", r.URL.Path),
				attribute.String("user_agent.original", r.UserAgent()),
				attribute.String("client.address", httputil.ClientIP(r)),
			)
			defer span.End()

			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" || len(requestID) > maxRequestIDLength {
				requestID = tracing.NewRequestID()
			}
			ctx = tracing.WithRequestID(ctx, requestID)
			r = r.WithContext(ctx)
			w.Header().Set(RequestIDHeader, requestID)

			wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}

			metrics.HTTPInFlight.Inc()
			defer metrics.HTTPInFlight.Dec()

			next.ServeHTTP(wrapper, r)
			duration := time.Since(start)

			metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(wrapper.statusCode)).Inc()
			metrics.HTTPDuration.WithLabelValues(route, r.Method).Observe(duration.Seconds())

			span.SetAttributes(
				attribute.Int("http.response.status_code", wrapper.statusCode),
				attribute.Int64("http.response.size", wrapper.responseSize),
			)
			if wrapper.statusCode >= 500 {
				tracing.SetSpanStatus(ctx, codes.Error, fmt.Sprintf("HTTP %d", wrapper.statusCode))
			} else {
				tracing.SetSpanStatus(ctx, codes.Ok, "")
			}

			logLevel := logrus.InfoLevel
			if wrapper.statusCode >= 400 && wrapper.statusCode < 500 {
				logLevel = logrus.WarnLevel
			} else if wrapper.statusCode >= 500 {
				logLevel = logrus.ErrorLevel
			}

			fields := logrus.Fields{
				constants.LogFieldRequestID:  requestID,
				constants.LogFieldMethod:     r.Method,
				constants.LogFieldURL:        r.URL.Path,
				constants.LogFieldEndpoint:   route,
				constants.LogFieldStatusCode: wrapper.statusCode,
				constants.LogFieldDuration:   duration.Milliseconds(),
				constants.LogFieldRemoteIP:   httputil.ClientIP(r),
				constants.LogFieldSize:       wrapper.responseSize,
			}
			if traceID := tracing.TraceID(ctx); traceID != "" {
				fields[constants.LogFieldTraceID] = traceID
			}
			logger.WithFields(fields).Log(logLevel, "HTTP request completed")
		})
	}
}

// routeTemplate returns the matched mux template, or "unmatched"
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// responseWrapper captures the status and size of a response
type responseWrapper struct {
	http.ResponseWriter
	statusCode   int
	responseSize int64
	wroteHeader  bool
}

func (rw *responseWrapper) WriteHeader(statusCode int) {
	if !rw.wroteHeader {
		rw.statusCode = statusCode
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWrapper) Write(data []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(data)
	rw.responseSize += int64(n)
	return n, err
}

// Hijack lets the inbox websocket take over the connection
func (rw *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	rw.wroteHeader = true
	return hj.Hijack()
}

func (rw *responseWrapper) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWrapper) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
