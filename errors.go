package arbor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind buckets failures for retry and propagation policy.
// Kinds, not types: any error can be tagged with a kind, and Classify
// derives one for untagged errors.
type ErrorKind int

const (
	// KindTransient covers network hiccups, rate limits, and timeouts.
	// Eligible for retry with exponential backoff and jitter.
	KindTransient ErrorKind = iota
	// KindPermanent covers auth, validation, malformed input, and policy
	// violations raised as hard failures. Never retried.
	KindPermanent
	// KindResource covers memory, disk, and connection exhaustion.
	// Retried with doubled delay; triggers governor degrade.
	KindResource
	// KindPolicy marks a failed compliance check on a tool call. Not raised:
	// appended to the cell's error feedback and consumed by replanning.
	KindPolicy
	// KindCancelled marks cooperative cancellation. Terminal; the cell
	// returns a partial envelope.
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindResource:
		return "resource"
	case KindPolicy:
		return "policy"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Retryable reports whether errors of this kind may be retried.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindResource
}

// kindError tags a wrapped error with an ErrorKind.
type kindError struct {
	kind ErrorKind
	err  error
}

func (e *kindError) Error() string   { return e.kind.String() + ": " + e.err.Error() }
func (e *kindError) Unwrap() error   { return e.err }
func (e *kindError) Kind() ErrorKind { return e.kind }

// Tag wraps err with an explicit kind. Returns nil if err is nil.
func Tag(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// Tagf tags a formatted error with a kind. The %w verb works as in fmt.Errorf.
func Tagf(kind ErrorKind, format string, args ...any) error {
	return &kindError{kind: kind, err: fmt.Errorf(format, args...)}
}

// Classify derives the ErrorKind of err. Tagged errors win; otherwise
// context cancellation maps to cancelled, deadlines and net errors to
// transient, and everything else to permanent. Callers at driver layers
// (stores, providers, transports) tag errors where they know better.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindPermanent
	}
	var kinder interface{ Kind() ErrorKind }
	if errors.As(err, &kinder) {
		return kinder.Kind()
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}
	var he *ErrHTTP
	if errors.As(err, &he) {
		if he.Status == 429 || he.Status >= 500 {
			return KindTransient
		}
		return KindPermanent
	}
	return KindPermanent
}

// ErrLLM reports a provider-level failure.
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP reports an HTTP-level failure from a provider or tool backend.
// RetryAfter carries the server's Retry-After hint when present.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses a Retry-After header value: either delay seconds
// or an HTTP-date. Returns 0 when the value is empty or unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// BudgetExhaustedError is returned when a cell exceeds its token or time
// allotment before producing an envelope.
type BudgetExhaustedError struct {
	CellID string
	Used   int64
	Total  int64
	Reason string // "tokens" or "deadline"
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("cell %s: budget exhausted (%s): %d/%d tokens used", e.CellID, e.Reason, e.Used, e.Total)
}

func (e *BudgetExhaustedError) Kind() ErrorKind { return KindPermanent }

// CancelledError is returned when a cell is cancelled by its parent or
// by context. Reason distinguishes stall preemption from plain cancel
// and timeout.
type CancelledError struct {
	CellID string
	Reason string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("cell %s: cancelled (%s)", e.CellID, e.Reason)
}

func (e *CancelledError) Kind() ErrorKind { return KindCancelled }

// ValidationError reports a structural problem detected before execution:
// a malformed blueprint, an unresolvable artifact reference, or required
// tool arguments left unwired.
type ValidationError struct {
	Subject string // node id, tool name, or blueprint name
	Detail  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Subject, e.Detail)
}

func (e *ValidationError) Kind() ErrorKind { return KindPermanent }
