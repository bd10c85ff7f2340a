package connector

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	apperrors "socialbridge/internal/errors"
	"socialbridge/internal/models"
	"socialbridge/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTokens struct {
	mu           sync.Mutex
	token        string
	next         string
	refreshErr   error
	refreshCalls int
}

func (f *fakeTokens) AuthHeaders(ctx context.Context, acc *models.Account) (http.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+f.token)
	return header, nil
}

func (f *fakeTokens) RefreshIfStale(ctx context.Context, acc *models.Account, staleToken string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if f.refreshErr != nil {
		return "", f.refreshErr
	}
	if f.token == staleToken {
		f.token = f.next
	}
	return f.token, nil
}

func (f *fakeTokens) Refresh(ctx context.Context, acc *models.Account) (*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	refreshed := *acc
	refreshed.AccessToken = f.next
	return &refreshed, nil
}

type fakePacer struct {
	mu      sync.Mutex
	waits   int
	headers []http.Header
}

func (p *fakePacer) WaitIfNeeded(ctx context.Context, platform models.Platform) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waits++
	return ctx.Err()
}

func (p *fakePacer) UpdateFromResponse(platform models.Platform, header http.Header) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.headers = append(p.headers, header)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testAccount(platform models.Platform) *models.Account {
	return &models.Account{ID: "acc-1", Platform: platform, AccessToken: "old"}
}

func TestTransport_RefreshesOnceOn401ThenRetries(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer new" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"Session has expired","code":190}}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"123"}`))
	}))
	defer server.Close()

	tokens := &fakeTokens{token: "old", next: "new"}
	pacer := &fakePacer{}
	transport := NewTransport(server.Client(), pacer, tokens, models.BreakerConfig{}, quietLogger())

	resp, err := transport.Do(context.Background(), testAccount(models.PlatformFacebook), Request{Method: http.MethodGet, URL: server.URL + "/v18.0/me"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, 1, tokens.refreshCalls)
	assert.Equal(t, 2, pacer.waits, "every attempt is paced")
	assert.Len(t, pacer.headers, 2, "every response feeds the limiter")
}

func TestTransport_RefreshFailureSurfacesOriginal401(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid OAuth access token"}}`))
	}))
	defer server.Close()

	tokens := &fakeTokens{token: "old", refreshErr: apperrors.NewTokenRefreshError("acc-1", errors.New("exchange failed"))}
	transport := NewTransport(server.Client(), nil, tokens, models.BreakerConfig{}, quietLogger())

	resp, err := transport.Do(context.Background(), testAccount(models.PlatformFacebook), Request{Method: http.MethodGet, URL: server.URL + "/v18.0/me"})
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, apperrors.ProviderStatus(err))
	assert.Contains(t, err.Error(), "Invalid OAuth access token")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 1, tokens.refreshCalls)
}

func TestTransport_Persistent401DoesNotLoop(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	tokens := &fakeTokens{token: "old", next: "new"}
	transport := NewTransport(server.Client(), nil, tokens, models.BreakerConfig{}, quietLogger())

	_, err := transport.Do(context.Background(), testAccount(models.PlatformWhatsApp), Request{Method: http.MethodPost, URL: server.URL + "/messages", Body: map[string]string{"a": "b"}})
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, apperrors.ProviderStatus(err))
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, 1, tokens.refreshCalls)
}

func TestTransport_SendsJSONBodyAndQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "id,name", r.URL.Query().Get("fields"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"message":"hello"}`, string(body))
		_, _ = w.Write([]byte(`{"id":"1"}`))
	}))
	defer server.Close()

	transport := NewTransport(server.Client(), nil, &fakeTokens{token: "t"}, models.BreakerConfig{}, quietLogger())
	resp, err := transport.Do(context.Background(), testAccount(models.PlatformFacebook), Request{
		Method: http.MethodPost,
		URL:    server.URL + "/v18.0/page/feed",
		Query:  map[string][]string{"fields": {"id,name"}},
		Body:   map[string]string{"message": "hello"},
	})
	require.NoError(t, err)

	var out struct {
		ID string `json:"id"`
	}
	require.NoError(t, resp.Decode(&out))
	assert.Equal(t, "1", out.ID)
}

func TestTransport_BreakerOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	transport := NewTransport(server.Client(), nil, &fakeTokens{token: "t"}, models.BreakerConfig{MaxFailures: 2, TimeoutSec: 60}, quietLogger())
	acc := testAccount(models.PlatformInstagram)
	req := Request{Method: http.MethodGet, URL: server.URL + "/v18.0/ig"}

	for i := 0; i < 2; i++ {
		_, err := transport.Do(context.Background(), acc, req)
		require.Error(t, err)
		assert.Equal(t, http.StatusServiceUnavailable, apperrors.ProviderStatus(err))
	}

	_, err := transport.Do(context.Background(), acc, req)
	require.Error(t, err)
	assert.True(t, circuitbreaker.IsOpen(err))
	assert.True(t, apperrors.IsRetryable(err))
	assert.Equal(t, int32(2), hits.Load())

	stats := transport.BreakerStats()
	require.Len(t, stats, 1)
	assert.Equal(t, "instagram", stats[0].Name)
	assert.Equal(t, "OPEN", stats[0].State)
}

func TestTransport_ClientErrorsDoNotTripBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	transport := NewTransport(server.Client(), nil, &fakeTokens{token: "t"}, models.BreakerConfig{MaxFailures: 1}, quietLogger())
	acc := testAccount(models.PlatformFacebook)
	for i := 0; i < 3; i++ {
		_, err := transport.Do(context.Background(), acc, Request{Method: http.MethodGet, URL: server.URL + "/x"})
		assert.Equal(t, http.StatusBadRequest, apperrors.ProviderStatus(err))
	}
	assert.Equal(t, "CLOSED", transport.BreakerStats()[0].State)
}

func TestTransport_CancelledWait(t *testing.T) {
	transport := NewTransport(nil, &fakePacer{}, &fakeTokens{token: "t"}, models.BreakerConfig{}, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := transport.Do(ctx, testAccount(models.PlatformFacebook), Request{Method: http.MethodGet, URL: "http://127.0.0.1:1/x"})
	assert.ErrorIs(t, err, context.Canceled)
}
