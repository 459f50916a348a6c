package httpcodec

import (
	"errors"
	"net/http"
)

var (
	// ErrClosed is returned when the peer closed the stream before sending
	// any byte of a new message.
	ErrClosed = errors.New("httpcodec: connection closed")

	// ErrIncomplete is returned when the stream ended in the middle of a message.
	ErrIncomplete = errors.New("httpcodec: incomplete message")

	ErrMalformed      = errors.New("httpcodec: malformed message")
	ErrTooManyHeaders = errors.New("httpcodec: too many headers")
	ErrBodyTooLarge   = errors.New("httpcodec: body too large")
)

// ConnectionError wraps an I/O failure of the underlying connection.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return "httpcodec: connection error: " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// StatusFor maps a read error to the status code sent back to the peer.
// Connection failures map to 503, although the handler drops the session
// without replying when the client connection itself has failed.
func StatusFor(err error) int {
	var connErr *ConnectionError

	switch {
	case errors.Is(err, ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &connErr):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}
