package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"connectrpc.com/connect"

	apperrors "github.com/odvcencio/headlesslogs/pkg/errors"
	"github.com/odvcencio/headlesslogs/pkg/supervisor"
)

// respondJSON sends a JSON response with appropriate headers.
func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// respondError sends a structured JSON error response.
func respondError(w http.ResponseWriter, status int, err error) {
	response := struct {
		Error     string `json:"error"`
		Status    int    `json:"status"`
		Code      string `json:"code,omitempty"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable,omitempty"`
		Timestamp string `json:"timestamp"`
	}{
		Status:    status,
		Message:   http.StatusText(status),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	var coded *apperrors.Error
	if errors.As(err, &coded) {
		response.Code = string(coded.Code)
		if coded.UserMessage != "" {
			response.Message = coded.UserMessage
		} else if coded.Message != "" {
			response.Message = coded.Message
		}
		response.Retryable = coded.Retryable
	} else if err != nil {
		response.Message = err.Error()
	}
	response.Error = response.Message

	respondJSON(w, status, response)
}

// statusForLogError maps a log bridge failure that happened before any byte
// was written. Only a missing source is distinguishable to clients.
func statusForLogError(err error) int {
	if apperrors.IsNotFound(err) {
		return http.StatusNotFound
	}
	if code, ok := supervisor.StatusCode(err); ok && code == connect.CodeNotFound {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64) (int, error) {
	if r.Body == nil {
		return http.StatusBadRequest, fmt.Errorf("request body required")
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return http.StatusRequestEntityTooLarge, fmt.Errorf("request body too large (max %d bytes)", maxBytes)
		}
		if errors.Is(err, io.EOF) {
			return http.StatusBadRequest, fmt.Errorf("request body required")
		}
		return http.StatusBadRequest, err
	}
	return 0, nil
}

// randomHex generates a random hex string of n bytes.
func randomHex(n int) (string, error) {
	if n <= 0 {
		n = 16
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
