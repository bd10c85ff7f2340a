package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	apperrors "socialbridge/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, apperrors.NewInvalidStateError("post", "p1", "Published", "Draft"), "req-1")

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, apperrors.ErrCodeInvalidState, body.Error.Code)
	assert.Equal(t, "req-1", body.RequestID)
}

func TestDecodeJSON(t *testing.T) {
	var dst struct {
		Platform string `json:"platform"`
	}

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"platform":"WhatsApp"}`))
	require.NoError(t, DecodeJSON(httptest.NewRecorder(), r, &dst, 1024))
	assert.Equal(t, "WhatsApp", dst.Platform)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	assert.NoError(t, DecodeJSON(httptest.NewRecorder(), r, &dst, 1024))

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"platform":`))
	err := DecodeJSON(httptest.NewRecorder(), r, &dst, 1024)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidInput))

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"platform":"`+strings.Repeat("x", 64)+`"}`))
	err = DecodeJSON(httptest.NewRecorder(), r, &dst, 16)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidationFailed))
}
