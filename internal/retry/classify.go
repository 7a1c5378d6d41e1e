// Package retry provides error classification, a sliding-window error
// tracker, and exponential backoff for the agent execution loop.
package retry

import (
	"fmt"
	"strings"
)

// ErrorClass is the retry classification of an error
type ErrorClass string

const (
	// ClassPermanent errors are never retried; the agent is moved to error status
	ClassPermanent ErrorClass = "permanent"
	// ClassTransient errors are retried with backoff
	ClassTransient ErrorClass = "transient"
	// ClassUnknown errors are treated like transient for retry purposes
	ClassUnknown ErrorClass = "unknown"
)

// Permanent patterns are checked before transient ones: an auth failure that
// mentions "connection" must still be permanent.
var permanentPatterns = []string{
	"authentication",
	"unauthorized",
	"forbidden",
	"not found",
	"invalid",
	"malformed",
	"401",
	"403",
	"404",
	"400",
	"configuration error",
	"config error",
	"validation",
	"insufficient balance",
	"insufficient margin",
	"position not found",
	"api key",
	"signature",
	"permission denied",
}

var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"connection aborted",
	"broken pipe",
	"timeout",
	"timed out",
	"deadline exceeded",
	"temporarily unavailable",
	"temporary failure",
	"dns",
	"no such host",
	"socket",
	"reset",
	"unreachable",
	"429",
	"throttl",
	"too many requests",
	"rate limit",
	"502",
	"503",
	"504",
	"bad gateway",
	"service unavailable",
	"gateway timeout",
	"deadlock",
	"lock wait timeout",
	"too many connections",
	"connection pool",
	"pool exhausted",
	"redis: connection",
	"i/o error",
	"eof",
}

// Classify determines the retry class of an error by inspecting its type
// name and message. Deterministic on (type, message).
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}

	haystack := strings.ToLower(fmt.Sprintf("%T %s", err, err.Error()))

	for _, p := range permanentPatterns {
		if strings.Contains(haystack, p) {
			return ClassPermanent
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(haystack, p) {
			return ClassTransient
		}
	}
	return ClassUnknown
}

// IsRetryable reports whether an error should be retried
func IsRetryable(err error) bool {
	return Classify(err) != ClassPermanent
}
