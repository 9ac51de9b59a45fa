package completion

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a completion failure. Every kind is retryable by the caller.
type Kind int

const (
	Timeout Kind = iota + 1
	Transport
	RateLimited
	Malformed
)

func (k Kind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case Transport:
		return "transport"
	case RateLimited:
		return "rate_limited"
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

var (
	errEmptyResponse = errors.New("provider returned an empty response")
	errNotJSON       = errors.New("provider returned non-JSON output")
)

// Error is the typed failure returned by every Gateway implementation.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("completion %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the failure kind of err, or 0 when err is not a completion error.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return 0
}

// IsRetryable reports whether err is a completion failure the caller may retry.
func IsRetryable(err error) bool {
	return KindOf(err) != 0
}

// contextError classifies a failure that may have been caused by ctx.
func contextError(ctx context.Context, err error) (*Error, bool) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: Timeout, Err: err}, true
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: Transport, Err: err}, true
	}
	return nil, false
}

// httpStatusKind maps a provider HTTP status onto a kind.
func httpStatusKind(code int) Kind {
	switch {
	case code == 429:
		return RateLimited
	case code == 408 || code == 504:
		return Timeout
	case code == 400 || code == 422:
		return Malformed
	default:
		return Transport
	}
}
