package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Class separates failures the worker pool may retry from those it must
// surface immediately.
type Class int

const (
	ClassTransient Class = iota
	ClassFatal
)

func (c Class) String() string {
	if c == ClassFatal {
		return "fatal"
	}
	return "transient"
}

// Error is a classified transport failure. RetryAfter carries the server's
// backoff hint when one was present (429/503 Retry-After).
type Error struct {
	Class      Class
	Status     int
	RetryAfter time.Duration
	Op         string
	URL        string
	Err        error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s %s: status %d (%s)", e.Op, e.URL, e.Status, e.Class)
	}
	return fmt.Sprintf("%s %s: %v (%s)", e.Op, e.URL, e.Err, e.Class)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transport failure worth retrying.
func IsTransient(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Class == ClassTransient
}

// IsFatal reports whether err is a transport failure that must not be
// retried.
func IsFatal(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Class == ClassFatal
}

// RetryHint extracts the server-suggested backoff from err, zero if none.
func RetryHint(err error) time.Duration {
	var te *Error
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}

func networkError(op, url string, err error) *Error {
	return &Error{Class: ClassTransient, Op: op, URL: url, Err: err}
}

// classifyStatus maps a non-2xx response to a failure class. 429 and 5xx
// are transient with an optional Retry-After hint, the rest of 4xx is
// fatal.
func classifyStatus(op, url string, resp *http.Response) *Error {
	e := &Error{Op: op, URL: url, Status: resp.StatusCode}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		e.Class = ClassTransient
		e.RetryAfter = retryAfterHint(resp.Header)
	default:
		e.Class = ClassFatal
	}
	return e
}

func retryAfterHint(h http.Header) time.Duration {
	value := h.Get("Retry-After")
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
