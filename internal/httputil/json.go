package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	apperrors "socialbridge/internal/errors"
)

// WriteJSON encodes v with the given status
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps err to its HTTP status and the standard error body
func WriteError(w http.ResponseWriter, err error, requestID string) {
	WriteJSON(w, apperrors.HTTPStatusCode(err), apperrors.ToHTTPResponse(err, requestID))
}

// DecodeJSON reads a JSON body of at most maxBytes into dst. An empty body
// leaves dst untouched.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}, maxBytes int64) error {
	body := http.MaxBytesReader(w, r.Body, maxBytes)
	err := json.NewDecoder(body).Decode(dst)

	var tooLarge *http.MaxBytesError
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return nil
	case errors.As(err, &tooLarge):
		return apperrors.NewValidationError("body", "", fmt.Sprintf("request body exceeds %d bytes", maxBytes))
	default:
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "malformed JSON body").
			WithUserMessage("Request body is not valid JSON")
	}
}
