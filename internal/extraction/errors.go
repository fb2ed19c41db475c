package extraction

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind classifies an extraction failure. It decides whether a job retries
// and how long it waits first.
type Kind string

const (
	KindTransient   Kind = "transient"
	KindRateLimited Kind = "rate_limited"
	KindFatal       Kind = "fatal"
)

func (k Kind) Retryable() bool {
	return k != KindFatal
}

// Error is a classified failure from the extraction boundary.
type Error struct {
	Kind Kind
	// Code is the collaborator's own status (HTTP status, provider error code).
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Transient(err error) *Error   { return &Error{Kind: KindTransient, Err: err} }
func RateLimited(err error) *Error { return &Error{Kind: KindRateLimited, Err: err} }
func Fatal(err error) *Error       { return &Error{Kind: KindFatal, Err: err} }

func Fatalf(format string, args ...any) *Error {
	return Fatal(fmt.Errorf(format, args...))
}

var (
	rateLimitMarkers = []string{"rate limit", "rate_limit", "ratelimit", "too many requests", "quota", "resource exhausted", "429"}
	transientMarkers = []string{"timeout", "timed out", "deadline exceeded", "connection reset", "connection refused", "broken pipe", "eof", "unavailable", "temporarily"}
	fatalMarkers     = []string{"invalid image", "unsupported media", "malformed", "cannot parse", "unparseable", "missing required"}
)

// Classify turns any error into a classified *Error.
//
// Structured signals win: an *Error already in the chain, context
// cancellation, and net.Error timeouts. Only when none is present does it
// fall back to matching substrings of the message. That fallback is fragile
// (providers reword messages) and should shrink as collaborators return
// codes; it lives here and nowhere else. Anything unrecognised is transient.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Transient(err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, rateLimitMarkers):
		return RateLimited(err)
	case containsAny(msg, fatalMarkers):
		return Fatal(err)
	case containsAny(msg, transientMarkers):
		return Transient(err)
	}
	return Transient(err)
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
