package resilience

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// ErrorClass buckets AWS and network errors by how the caller should react.
type ErrorClass int

const (
	ClassNone ErrorClass = iota
	ClassThrottling
	ClassTransient
	ClassConflict
	ClassNotFound
	ClassAccessDenied
	ClassCancelled
	ClassClient
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassThrottling:
		return "throttling"
	case ClassTransient:
		return "transient"
	case ClassConflict:
		return "conflict"
	case ClassNotFound:
		return "not_found"
	case ClassAccessDenied:
		return "access_denied"
	case ClassCancelled:
		return "cancelled"
	default:
		return "client"
	}
}

// Retriable reports whether a retry can help.
func (c ErrorClass) Retriable() bool {
	return c == ClassThrottling || c == ClassTransient
}

var throttlingCodes = map[string]struct{}{
	"Throttling":                             {},
	"ThrottlingException":                    {},
	"TooManyRequests":                        {},
	"TooManyRequestsException":               {},
	"RequestLimitExceeded":                   {},
	"ProvisionedThroughputExceededException": {},
}

// Classify maps an error to its class. Order matters: context cancellation
// and typed AWS errors take precedence over the string fallbacks.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassCancelled
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if _, ok := throttlingCodes[code]; ok {
			return ClassThrottling
		}
		switch code {
		case "ConflictException":
			return ClassConflict
		case "ResourceNotFoundException":
			return ClassNotFound
		case "AccessDeniedException", "UnauthorizedException":
			return ClassAccessDenied
		case "InternalServerException", "ServiceUnavailableException", "ServiceFailureException":
			return ClassTransient
		}

		var respErr *smithyhttp.ResponseError
		if errors.As(err, &respErr) {
			status := respErr.HTTPStatusCode()
			switch {
			case status == 429:
				return ClassThrottling
			case status >= 500:
				return ClassTransient
			case status >= 400:
				return ClassClient
			}
		}
		return ClassClient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "throttl"), strings.Contains(msg, "too many requests"):
		return ClassThrottling
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "no such host"):
		return ClassTransient
	}
	return ClassClient
}
