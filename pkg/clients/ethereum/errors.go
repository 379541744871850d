package ethereum

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass buckets provider failures so callers can decide between retrying,
// shrinking the request, or giving up.
type ErrorClass int

const (
	// ClassPermanent errors propagate immediately.
	ClassPermanent ErrorClass = iota
	// ClassTransient errors are worth retrying with backoff.
	ClassTransient
	// ClassRangeLimit means the provider refused the requested block span.
	ClassRangeLimit
	// ClassHistoricalUnavailable means the node is not an archive node and
	// lacks the requested historical state.
	ClassHistoricalUnavailable
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRangeLimit:
		return "range-limit"
	case ClassHistoricalUnavailable:
		return "historical-unavailable"
	default:
		return "permanent"
	}
}

// ChainError wraps a transport failure with its classification and the
// operation that produced it.
type ChainError struct {
	Class ErrorClass
	Op    string
	Err   error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Class, e.Err)
}

func (e *ChainError) Unwrap() error {
	return e.Err
}

func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ChainError{Class: ClassifyError(err), Op: op, Err: err}
}

var rangeLimitPatterns = []string{
	"block range",
	"query returned more than",
	"range too large",
	"exceeds max results",
	"response size exceeded",
	"too many results",
	"log query timed out",
}

var transientPatterns = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"too many requests",
	"rate limit",
	"429",
	"502",
	"503",
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"network is unreachable",
	"EOF",
}

var historicalPatterns = []string{
	"missing trie node",
	"header not found",
	"pruned",
	"state is not available",
	"required historical state",
	"archive node",
}

// ClassifyError inspects an error and buckets it. Providers do not agree on
// error codes for any of these conditions, so matching is on message text.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ClassPermanent
	}
	if ce := (*ChainError)(nil); errors.As(err, &ce) {
		return ce.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())
	for _, p := range rangeLimitPatterns {
		if strings.Contains(msg, p) {
			return ClassRangeLimit
		}
	}
	for _, p := range historicalPatterns {
		if strings.Contains(msg, p) {
			return ClassHistoricalUnavailable
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, strings.ToLower(p)) {
			return ClassTransient
		}
	}
	return ClassPermanent
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return ClassifyError(err) == ClassTransient
}

// IsRangeLimit reports whether err indicates the block span was too large.
func IsRangeLimit(err error) bool {
	return ClassifyError(err) == ClassRangeLimit
}
