package reliability

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/twitchtv/twirp"
)

// Class buckets a control-plane failure by how the caller should react.
type Class string

const (
	ClassNone      Class = "none"
	ClassGone      Class = "gone"
	ClassConflict  Class = "conflict"
	ClassTransient Class = "transient"
	ClassFatal     Class = "fatal"
)

// Classify maps an error returned by the media transport's twirp API (or the
// network underneath it) to a Class.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	if errors.Is(err, context.Canceled) {
		return ClassFatal
	}

	var terr twirp.Error
	if errors.As(err, &terr) {
		switch terr.Code() {
		case twirp.NotFound:
			return ClassGone
		case twirp.AlreadyExists:
			return ClassConflict
		}
		if IsRetryableHTTPStatus(twirp.ServerHTTPStatusFromErrorCode(terr.Code())) {
			return ClassTransient
		}
		return ClassFatal
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	return ClassFatal
}

// IsIdempotentSuccess reports whether a failure means the requested state
// already holds (the room exists, the participant is gone).
func IsIdempotentSuccess(c Class) bool {
	return c == ClassGone || c == ClassConflict
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
