package retry

import (
	"errors"
	"net/http"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// Class is the recovery category of a cluster API error.
type Class int

const (
	// ClassTransient covers errors without an API status: connection
	// resets, EOF, decode failures. Retried with a flat delay.
	ClassTransient Class = iota

	// ClassAuth is HTTP 401. Recovered by a forced credential refresh.
	ClassAuth

	// ClassThrottled is HTTP 403, 429 or 5xx gateway/server errors.
	// Retried with linear backoff.
	ClassThrottled

	// ClassPermanent is any other API status (404, 400, 409, ...). Never
	// retried.
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassAuth:
		return "auth"
	case ClassThrottled:
		return "throttled"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

var throttledCodes = map[int32]bool{
	http.StatusForbidden:           true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Classify maps err onto a recovery class.
func Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}
	var status apierrors.APIStatus
	if !errors.As(err, &status) {
		return ClassTransient
	}
	code := status.Status().Code
	switch {
	case code == http.StatusUnauthorized:
		return ClassAuth
	case throttledCodes[code]:
		return ClassThrottled
	default:
		return ClassPermanent
	}
}

// IsExpired reports whether err means the watch resource version is too
// old. The stream is reopened from a fresh list rather than failing.
func IsExpired(err error) bool {
	return apierrors.IsResourceExpired(err) || apierrors.IsGone(err)
}
