package provider

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// UpstreamError is the provider error the executor classifies against.
// Retryable decides whether another attempt against the same provider can
// succeed: true for rate limits, overload and transport failures, false
// for malformed requests and auth problems.
type UpstreamError struct {
	Op         string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: upstream status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Upstream wraps a provider failure. With a status code, retryability
// follows RetryableStatus; without one the transport error itself decides.
func Upstream(op string, statusCode int, err error) *UpstreamError {
	retryable := retryableTransport(err)
	if statusCode != 0 {
		retryable = RetryableStatus(statusCode)
	}
	return &UpstreamError{Op: op, StatusCode: statusCode, Retryable: retryable, Err: err}
}

// Retryable reports whether another attempt may succeed. An UpstreamError
// in the chain is authoritative; otherwise the raw transport error is
// inspected.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Retryable
	}
	return retryableTransport(err)
}

// RetryableStatus reports whether an HTTP status from an inference
// endpoint is worth retrying. 429 covers rate limits, 529-style overload
// surfaces as 503 on every supported provider family.
func RetryableStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func retryableTransport(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	// Failures the net/http transport reports as bare strings.
	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"server closed idle connection",
		"tls handshake timeout",
		"i/o timeout",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}
