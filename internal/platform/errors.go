package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"google.golang.org/api/googleapi"
)

// Kind classifies a platform failure.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindValidation     Kind = "validation"
	KindNotFound       Kind = "not_found"
	KindRateLimit      Kind = "rate_limit"
	KindNetwork        Kind = "network"
	KindTimeout        Kind = "timeout"
	KindServer         Kind = "server_error"
	KindUnknown        Kind = "unknown"
)

// Retryable reports whether a failure of this kind may succeed on a later attempt.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimit, KindNetwork, KindTimeout, KindServer:
		return true
	default:
		return false
	}
}

var (
	ErrUnknownPlatform  = errors.New("unknown platform")
	ErrNotAuthenticated = errors.New("platform credentials missing")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// Error is a classified failure returned by the request executor and adapters.
type Error struct {
	Kind     Kind
	Platform string
	Status   int
	Code     string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Platform, e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Platform, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// KindForStatus maps an HTTP status code onto the taxonomy.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuthentication
	case status == http.StatusForbidden:
		return KindAuthorization
	case status == http.StatusNotFound || status == http.StatusGone:
		return KindNotFound
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status == http.StatusBadRequest || status == http.StatusConflict || status == http.StatusUnprocessableEntity:
		return KindValidation
	case status >= 500:
		return KindServer
	default:
		return KindUnknown
	}
}

// KindOf classifies an arbitrary error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		// Reasons refine the status: a 403 quota error is a rate limit, not a permission problem.
		for _, item := range gerr.Errors {
			switch item.Reason {
			case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
				return KindRateLimit
			case "authError", "expired":
				return KindAuthentication
			}
		}
		return KindForStatus(gerr.Code)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	return KindUnknown
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err).Retryable()
}

func newError(platform string, kind Kind, status int, err error) *Error {
	return &Error{Kind: kind, Platform: platform, Status: status, Err: err}
}
