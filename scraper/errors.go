package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind labels why a fetch failed. The value doubles as the metrics label.
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindConnection  Kind = "connection"
	KindForbidden   Kind = "forbidden"
	KindNotFound    Kind = "not_found"
	KindRateLimited Kind = "rate_limited"
	KindStatus      Kind = "status"
	KindCanceled    Kind = "canceled"
	KindOther       Kind = "other"
)

// FetchError reports a page that could not be retrieved with HTTP 200.
type FetchError struct {
	URL        string
	StatusCode int
	Kind       Kind
	Err        error
}

// Error describes the failed URL, kind and cause.
func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: %s (status %d): %v", e.URL, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

// Unwrap returns the transport cause.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt could succeed.
func (e *FetchError) Retryable() bool {
	switch e.Kind {
	case KindForbidden, KindNotFound, KindCanceled:
		return false
	case KindStatus:
		return e.StatusCode >= http.StatusInternalServerError
	default:
		return true
	}
}

// ErrorType labels err for logs and metrics.
func ErrorType(err error) string {
	if err == nil {
		return "unknown"
	}
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return string(fetchErr.Kind)
	}
	return string(KindOther)
}

// classify maps a transport error and response status to a Kind.
func classify(err error, statusCode int) Kind {
	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnection
	}

	switch statusCode {
	case 0, http.StatusOK:
		return KindOther
	case http.StatusForbidden:
		return KindForbidden
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusTooManyRequests:
		return KindRateLimited
	default:
		return KindStatus
	}
}
