package publisher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/pkg/util"
)

type ErrorKind string

const (
	KindValidation          ErrorKind = "validation"
	KindUnsupportedPlatform ErrorKind = "unsupported_platform"
	KindCredentialMissing   ErrorKind = "credential_missing"
	KindAuth                ErrorKind = "auth"
	KindRemoteClient        ErrorKind = "remote_client"
	KindRemoteServer        ErrorKind = "remote_server"
	KindRateLimited         ErrorKind = "rate_limited"
	KindNetwork             ErrorKind = "network"
	KindProtocol            ErrorKind = "protocol"
)

// maxBodyInError bounds how much of a remote response body ends up in an error.
const maxBodyInError = 300

// Error is the typed failure returned by adapters.
type Error struct {
	Kind       ErrorKind
	Platform   models.Platform
	Phase      string
	StatusCode int
	Message    string
	Details    map[string]any
	Err        error
}

func (e *Error) Error() string {
	prefix := string(e.Platform)
	if e.Phase != "" {
		prefix += " " + e.Phase
	}
	msg := e.Message
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("status %d: %s", e.StatusCode, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return fmt.Sprintf("%s %s error: %s", prefix, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is transient.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRemoteServer, KindRateLimited, KindNetwork:
		return true
	}
	return false
}

// WithDetail attaches a diagnostic key to the error and returns it.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

func NewError(kind ErrorKind, platform models.Platform, phase, message string) *Error {
	return &Error{Kind: kind, Platform: platform, Phase: phase, Message: message}
}

// FromResponse maps a non-2xx HTTP status to an error kind.
func FromResponse(platform models.Platform, phase string, statusCode int, body []byte) *Error {
	kind := KindRemoteClient
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		kind = KindAuth
	case statusCode == http.StatusTooManyRequests:
		kind = KindRateLimited
	case statusCode >= 500:
		kind = KindRemoteServer
	}
	return &Error{
		Kind:       kind,
		Platform:   platform,
		Phase:      phase,
		StatusCode: statusCode,
		Message:    util.TruncateBytes(string(body), maxBodyInError),
	}
}

// FromTransport classifies a failure to complete the HTTP round trip.
func FromTransport(platform models.Platform, phase string, err error) *Error {
	return &Error{Kind: KindNetwork, Platform: platform, Phase: phase, Message: "request failed", Err: err}
}

// IsTimeout reports whether err came from a deadline or a network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsRetryable reports whether err is a transient adapter failure.
func IsRetryable(err error) bool {
	var pubErr *Error
	if errors.As(err, &pubErr) {
		return pubErr.Retryable()
	}
	return false
}

// KindOf returns the error kind, or an empty kind for foreign errors.
func KindOf(err error) ErrorKind {
	var pubErr *Error
	if errors.As(err, &pubErr) {
		return pubErr.Kind
	}
	return ""
}
