package clinicalextract

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ServiceError wraps a transport-level failure from the text-understanding
// service: timeout, quota, authentication, or any other condition where no
// usable response arrived. The coordinator recovers from it by falling back
// to the pattern extractor.
type ServiceError struct {
	Op  string
	Err error
}

func (e *ServiceError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *ServiceError) Unwrap() error { return e.Err }

// MalformedResponseError means the service answered but the answer could not
// be turned into a valid payload: no JSON object found, or a field of the
// wrong type. Also recovered by pattern fallback.
type MalformedResponseError struct {
	Reason string
	Raw    string
}

func (e *MalformedResponseError) Error() string {
	return "malformed extraction response: " + e.Reason
}

type serviceFailureClass int

const (
	failureTransient serviceFailureClass = iota
	failureTimeout
	failureQuota
	failureAuth
)

// classifyServiceError buckets a transport error. Quota and rate-limit
// failures trip the run-wide circuit breaker; everything else only affects
// the current document.
func classifyServiceError(err error) serviceFailureClass {
	if errors.Is(err, context.DeadlineExceeded) {
		return failureTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return failureTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "quota"), strings.Contains(msg, "rate limit"), strings.Contains(msg, "rate_limit"):
		return failureQuota
	case strings.Contains(msg, "401"), strings.Contains(msg, "403"), strings.Contains(msg, "authentication"), strings.Contains(msg, "api key"):
		return failureAuth
	default:
		return failureTransient
	}
}
