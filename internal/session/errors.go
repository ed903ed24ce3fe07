package session

import (
	"errors"
	"fmt"
	"time"
)

// Typed session errors. Exactly one of these classifies every failure
// returned by Guard.Acquire; providers wrap their own errors with them.
var (
	// ErrRateLimited means the provider asked for a backoff. Never retried inline.
	ErrRateLimited = errors.New("session rate limited")
	// ErrNeedsReauth means the credential is expired, revoked or corrupted.
	ErrNeedsReauth = errors.New("session needs reauthentication")
	// ErrConfigInvalid means the identity or secret is malformed. Fatal for the process.
	ErrConfigInvalid = errors.New("session configuration invalid")
	// ErrTransient covers network and unknown failures. Callers may retry with backoff.
	ErrTransient = errors.New("transient session error")

	// ErrBlocked marks an Acquire refused without contacting the provider
	// because an earlier failure needs operator action. It is always joined
	// with ErrNeedsReauth or ErrConfigInvalid.
	ErrBlocked = errors.New("session blocked pending operator action")
)

// DefaultRateLimitBackoff applies when a provider signals a rate limit without a duration.
const DefaultRateLimitBackoff = time.Minute

// RateLimitError carries the backoff requested by the provider.
// It matches ErrRateLimited with errors.Is.
type RateLimitError struct {
	RetryAfter time.Duration
	Until      time.Time
}

func (e *RateLimitError) Error() string {
	if e.Until.IsZero() {
		return fmt.Sprintf("session rate limited: retry after %s", e.RetryAfter)
	}
	return fmt.Sprintf("session rate limited until %s (retry after %s)", e.Until.UTC().Format(time.RFC3339), e.RetryAfter)
}

// Is reports whether target is ErrRateLimited.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetryAfter extracts the requested backoff from a rate limit error.
// ok is false when err is not a rate limit.
func RetryAfter(err error) (d time.Duration, ok bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		if rl.RetryAfter <= 0 {
			return DefaultRateLimitBackoff, true
		}
		return rl.RetryAfter, true
	}
	if errors.Is(err, ErrRateLimited) {
		return DefaultRateLimitBackoff, true
	}
	return 0, false
}

// Kind returns the sentinel that classifies err. Unclassified errors are transient.
func Kind(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRateLimited):
		return ErrRateLimited
	case errors.Is(err, ErrConfigInvalid):
		return ErrConfigInvalid
	case errors.Is(err, ErrNeedsReauth):
		return ErrNeedsReauth
	default:
		return ErrTransient
	}
}

// asTransient wraps err with ErrTransient unless it is already classified.
func asTransient(err error) error {
	if Kind(err) != ErrTransient || errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}
