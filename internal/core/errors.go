package core

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMissingQuery is returned by the log query path when the caller supplied
// neither an explicit query string nor a session identifier.
var ErrMissingQuery = errors.New("Must provide either query or session_id")

// InvalidEnvironmentError reports an environment name that is not in the
// registry. The message enumerates the valid names so the caller can
// self-correct.
type InvalidEnvironmentError struct {
	Env   string
	Valid []string
}

func (e *InvalidEnvironmentError) Error() string {
	return fmt.Sprintf("Invalid environment: %s. Must be one of: %s", e.Env, strings.Join(e.Valid, ", "))
}

// MissingCredentialError reports credential environment variables that are
// unset or empty. Missing holds the variable names for callers that need them
// programmatically; Message carries the user-facing text.
type MissingCredentialError struct {
	Missing []string
	Message string
}

func (e *MissingCredentialError) Error() string { return e.Message }

// StatusError is a non-success HTTP status from the backend API. The raw
// response body is kept verbatim for diagnosis.
type StatusError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s HTTP %d: %s", e.Operation, e.StatusCode, e.Body)
}

// Kind buckets gateway failures for reporting. Validation failures are
// detected before any network attempt; status failures carry the remote
// response; everything else is a transport failure.
type Kind int

const (
	KindTransport Kind = iota
	KindValidation
	KindHTTPStatus
)

func Classify(err error) Kind {
	var (
		se *StatusError
		ee *InvalidEnvironmentError
		ce *MissingCredentialError
	)
	switch {
	case errors.As(err, &se):
		return KindHTTPStatus
	case errors.As(err, &ee), errors.As(err, &ce), errors.Is(err, ErrMissingQuery):
		return KindValidation
	default:
		return KindTransport
	}
}

// StatusLabel renders err as a telemetry status label.
func StatusLabel(err error) string {
	if err == nil {
		return "ok"
	}
	switch Classify(err) {
	case KindValidation:
		return "validation_error"
	case KindHTTPStatus:
		return "http_error"
	default:
		return "transport_error"
	}
}
