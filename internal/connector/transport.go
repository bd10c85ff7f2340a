package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"socialbridge/internal/constants"
	apperrors "socialbridge/internal/errors"
	"socialbridge/internal/metrics"
	"socialbridge/internal/models"
	"socialbridge/internal/privacy"
	"socialbridge/internal/tracing"
	"socialbridge/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const maxResponseBytes = 4 << 20

// TokenSource supplies and refreshes account credentials
type TokenSource interface {
	AuthHeaders(ctx context.Context, acc *models.Account) (http.Header, error)
	RefreshIfStale(ctx context.Context, acc *models.Account, staleToken string) (string, error)
	Refresh(ctx context.Context, acc *models.Account) (*models.Account, error)
}

// Pacer throttles calls per platform from provider rate-limit headers
type Pacer interface {
	WaitIfNeeded(ctx context.Context, platform models.Platform) error
	UpdateFromResponse(platform models.Platform, header http.Header)
}

// Request describes one provider API call. Body is JSON encoded when set.
type Request struct {
	Method string
	URL    string
	Query  url.Values
	Body   interface{}
}

// Response is a fully read provider response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into v
func (r *Response) Decode(v interface{}) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// serverStatusError marks 5xx responses as breaker failures while keeping the body
type serverStatusError struct {
	status int
}

func (e *serverStatusError) Error() string {
	return fmt.Sprintf("server returned %d", e.status)
}

// Transport is the single path every connector call takes to a provider
type Transport struct {
	client  *http.Client
	limiter Pacer
	tokens  TokenSource
	logger  *logrus.Logger

	breakerSettings circuitbreaker.Settings
	breakersMu      sync.Mutex
	breakers        map[models.Platform]*circuitbreaker.Breaker
}

func NewTransport(client *http.Client, limiter Pacer, tokens TokenSource, cfg models.BreakerConfig, logger *logrus.Logger) *Transport {
	if client == nil {
		client = &http.Client{Timeout: time.Duration(constants.DefaultHTTPTimeoutSec) * time.Second}
	}
	if logger == nil {
		logger = logrus.New()
	}
	maxFailures := cfg.MaxFailures
	if maxFailures <= 0 {
		maxFailures = constants.DefaultBreakerMaxFailures
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(constants.DefaultBreakerTimeoutSec) * time.Second
	}

	return &Transport{
		client:  client,
		limiter: limiter,
		tokens:  tokens,
		logger:  logger,
		breakerSettings: circuitbreaker.Settings{
			MaxFailures: uint32(maxFailures),
			Timeout:     timeout,
			IsFailure:   isBreakerFailure,
			OnStateChange: func(name string, from, to circuitbreaker.State) {
				metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			},
		},
		breakers: make(map[models.Platform]*circuitbreaker.Breaker),
	}
}

// isBreakerFailure counts network errors and 5xx, not caller cancellation
func isBreakerFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

func (t *Transport) breaker(platform models.Platform) *circuitbreaker.Breaker {
	t.breakersMu.Lock()
	defer t.breakersMu.Unlock()
	b, ok := t.breakers[platform]
	if !ok {
		settings := t.breakerSettings
		settings.Name = platform.Key()
		b = circuitbreaker.New(settings, t.logger)
		t.breakers[platform] = b
	}
	return b
}

// BreakerStats reports the breaker of every platform called so far
func (t *Transport) BreakerStats() []circuitbreaker.Stats {
	t.breakersMu.Lock()
	defer t.breakersMu.Unlock()
	stats := make([]circuitbreaker.Stats, 0, len(t.breakers))
	for _, p := range models.Platforms() {
		if b, ok := t.breakers[p]; ok {
			stats = append(stats, b.Stats())
		}
	}
	return stats
}

// Do performs req for acc. A 401 triggers exactly one token refresh and one
// retry; when the refresh fails the original 401 is returned. Non-2xx
// responses come back together with a ProviderError.
func (t *Transport) Do(ctx context.Context, acc *models.Account, req Request) (*Response, error) {
	endpoint := endpointOf(req.URL)
	ctx, span := tracing.StartSpan(ctx, "provider "+req.Method,
		attribute.String("platform", string(acc.Platform)),
		attribute.String("endpoint", endpoint),
	)
	defer span.End()

	header, err := t.tokens.AuthHeaders(ctx, acc)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	resp, err := t.attempt(ctx, acc.Platform, req, header)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		staleToken := strings.TrimPrefix(header.Get("Authorization"), "Bearer ")
		freshToken, refreshErr := t.tokens.RefreshIfStale(ctx, acc, staleToken)
		if refreshErr != nil {
			t.logger.WithFields(logrus.Fields{
				constants.LogFieldPlatform:  acc.Platform,
				constants.LogFieldAccountID: acc.ID,
				constants.LogFieldEndpoint:  endpoint,
			}).WithError(refreshErr).Warn("Token refresh after 401 failed")
		} else {
			header = http.Header{}
			header.Set("Authorization", "Bearer "+freshToken)
			resp, err = t.attempt(ctx, acc.Platform, req, header)
			if err != nil {
				tracing.RecordError(ctx, err)
				return nil, err
			}
		}
	}

	tracing.AddSpanAttributes(ctx, attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		providerErr := apperrors.NewProviderError(string(acc.Platform), endpoint, resp.StatusCode, string(resp.Body))
		span.SetStatus(codes.Error, providerErr.Message)
		return resp, providerErr
	}
	return resp, nil
}

// attempt is one paced, breaker-guarded round trip
func (t *Transport) attempt(ctx context.Context, platform models.Platform, req Request, auth http.Header) (*Response, error) {
	if t.limiter != nil {
		if err := t.limiter.WaitIfNeeded(ctx, platform); err != nil {
			return nil, err
		}
	}

	httpReq, err := buildRequest(ctx, req, auth)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var resp *Response
	err = t.breaker(platform).Execute(ctx, func(ctx context.Context) error {
		httpResp, err := t.client.Do(httpReq)
		if err != nil {
			return err
		}
		defer httpResp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		resp = &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: body}
		if httpResp.StatusCode >= 500 {
			return &serverStatusError{status: httpResp.StatusCode}
		}
		return nil
	})
	took := time.Since(start)

	log := t.logger.WithFields(logrus.Fields{
		constants.LogFieldPlatform: platform,
		constants.LogFieldMethod:   req.Method,
		constants.LogFieldURL:      privacy.MaskURL(req.URL),
		constants.LogFieldDuration: took.Milliseconds(),
	})

	var statusErr *serverStatusError
	switch {
	case err == nil, errors.As(err, &statusErr):
		if t.limiter != nil {
			t.limiter.UpdateFromResponse(platform, resp.Header)
		}
		metrics.ObserveProvider(platform.Key(), metrics.OutcomeForStatus(resp.StatusCode), took)
		log.WithField(constants.LogFieldStatusCode, resp.StatusCode).Debug("Provider call completed")
		return resp, nil
	case circuitbreaker.IsOpen(err):
		metrics.ObserveProvider(platform.Key(), "breaker_open", took)
		log.Warn("Provider call rejected by circuit breaker")
		return nil, apperrors.WrapRetryable(err, apperrors.ErrCodeProviderError, fmt.Sprintf("%s API unavailable", platform)).
			WithContext("platform", string(platform))
	default:
		metrics.ObserveProvider(platform.Key(), "network_error", took)
		log.WithError(err).Warn("Provider call failed")
		return nil, apperrors.WrapRetryable(err, apperrors.ErrCodeProviderError, fmt.Sprintf("%s API request failed", platform)).
			WithContext("platform", string(platform))
	}
}

func buildRequest(ctx context.Context, req Request, auth http.Header) (*http.Request, error) {
	target := req.URL
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	for key, values := range auth {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	return httpReq, nil
}

// endpointOf reduces a URL to its path for logs, spans and errors
func endpointOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Path
}
