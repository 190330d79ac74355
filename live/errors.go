package live

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorClass groups failures by how the engine reacts to them.
type ErrorClass int

const (
	// ClassUnknown is returned for nil or unrecognized errors.
	ClassUnknown ErrorClass = iota
	// ClassTransient is retried at most once inline, then deferred to the next tick.
	ClassTransient
	// ClassRateLimited covers rate limiting and quota exhaustion; converted to backoff.
	ClassRateLimited
	// ClassBlocked is an anti-bot block; converted to escalating backoff.
	ClassBlocked
	// ClassNotFound means the handle does not exist and is reported as offline.
	ClassNotFound
	// ClassContention is a storage serialization conflict, retried with short backoff.
	ClassContention
	// ClassFatal is not worth retrying.
	ClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRateLimited:
		return "rate_limited"
	case ClassBlocked:
		return "blocked"
	case ClassNotFound:
		return "not_found"
	case ClassContention:
		return "contention"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var (
	ErrNotFound      = errors.New("not found")
	ErrRateLimited   = errors.New("rate limited")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrBlocked       = errors.New("blocked by anti-bot protection")
	ErrContention    = errors.New("storage contention")
)

// StatusError is an unexpected HTTP status from an upstream.
type StatusError struct {
	URL  string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: HTTP %d: %s", e.URL, e.Code, e.Body)
	}
	return fmt.Sprintf("%s: HTTP %d", e.URL, e.Code)
}

// Classify maps err onto the engine's error taxonomy. Typed errors are
// inspected first; message matching is the fallback.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrQuotaExceeded):
		return ClassRateLimited
	case errors.Is(err, ErrBlocked):
		return ClassBlocked
	case errors.Is(err, ErrContention):
		return ClassContention
	case errors.Is(err, context.Canceled):
		return ClassFatal
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED):
		return ClassTransient
	}

	var se *StatusError
	if errors.As(err, &se) {
		return classifyStatus(se.Code)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return ClassContention
		}
		return ClassFatal
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	lower := strings.ToLower(err.Error())
	for _, p := range []string{"quota", "too many requests", "rate limit"} {
		if strings.Contains(lower, p) {
			return ClassRateLimited
		}
	}
	for _, p := range []string{"timeout", "connection reset", "connection refused", "broken pipe", "eof", "temporary"} {
		if strings.Contains(lower, p) {
			return ClassTransient
		}
	}
	return ClassUnknown
}

func classifyStatus(code int) ErrorClass {
	switch {
	case code == http.StatusNotFound:
		return ClassNotFound
	case code == http.StatusTooManyRequests:
		return ClassRateLimited
	case code == http.StatusForbidden:
		return ClassBlocked
	case code == http.StatusRequestTimeout, code >= 500:
		return ClassTransient
	default:
		return ClassFatal
	}
}

// IsTransient reports whether err deserves one inline retry.
func IsTransient(err error) bool { return Classify(err) == ClassTransient }
