package upstream

import (
	"errors"
	"fmt"
)

// Kind buckets every failure the bridge can see from the upstream source.
// Kinds drive the retry policy: only Transient and Timeout are retried.
type Kind string

const (
	KindValidation Kind = "VALIDATION"
	KindTransient  Kind = "TRANSIENT"
	KindPermanent  Kind = "PERMANENT"
	KindAPIError   Kind = "API_ERROR"
	KindTimeout    Kind = "TIMEOUT"
	KindExpired    Kind = "QUOTE_EXPIRED"
)

// Error is the flat error shape carried out of the upstream client.
type Error struct {
	Kind     Kind
	Endpoint string
	Status   int
	Body     string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("upstream %s: %s", e.Kind, e.Endpoint)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the kind from an error chain; unknown errors report
// Transient so callers err on the side of retrying network-shaped failures.
func KindOf(err error) Kind {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return KindTransient
}

// IsRetryable reports whether the retry loop may attempt the call again.
func IsRetryable(err error) bool {
	k := KindOf(err)
	return k == KindTransient || k == KindTimeout
}

func validationErr(endpoint, msg string) error {
	return &Error{Kind: KindValidation, Endpoint: endpoint, Body: msg}
}
