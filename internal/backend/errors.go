package backend

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrNoTransport is returned when a call needs a transport that was not
// configured.
var ErrNoTransport = errors.New("backend transport not configured")

// RequestError is a non-2xx reply.
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	message := strings.TrimSpace(e.Message)
	if message != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, message)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

// Retryable reports whether the backend may accept the same call later.
func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

// DecodeError is a reply that claims JSON but is not.
type DecodeError struct {
	ContentType string
	Body        string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid %s reply: %.64q", e.ContentType, e.Body)
}
