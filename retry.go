package arbor

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// RetryPolicy controls kind-aware retry behavior. Transient errors back off
// exponentially with jitter; resource errors back off at double the pace;
// permanent, policy, and cancelled errors are never retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration // 0 = uncapped
}

// DefaultRetryPolicy matches the dispatcher and node-level defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// Delay computes the backoff before retry attempt i (0-indexed) of an error
// with the given kind. Exponential base*2^i plus up to 50% jitter; resource
// errors double the result.
func (p RetryPolicy) Delay(i int, kind ErrorKind) time.Duration {
	d := retryBackoff(p.BaseDelay, i)
	if kind == KindResource {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// retryBackoff returns the delay for retry i (0-indexed).
// Exponential: base * 2^i, plus up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}

// retryCall calls fn up to policy.MaxAttempts times, sleeping between
// retryable failures. The error kind decides both eligibility and pace.
func retryCall[T any](ctx context.Context, policy RetryPolicy, name string, logger *slog.Logger, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		kind := Classify(err)
		if !kind.Retryable() {
			return zero, err
		}
		last = err
		logger.Warn("retrying",
			"op", name,
			"kind", kind.String(),
			"attempt", i+1,
			"max_attempts", attempts)
		if i < attempts-1 {
			delay := policy.Delay(i, kind)
			if ra := retryAfterOf(err); ra > delay {
				delay = ra
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}
	logger.Error("retry attempts exhausted",
		"op", name,
		"attempts", attempts,
		"error", last)
	return zero, last
}

// retryAfterOf extracts the Retry-After duration from an ErrHTTP, or 0.
func retryAfterOf(err error) time.Duration {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// --- Provider retry wrapper ---

// retryProvider wraps a Provider and retries transient failures with
// exponential backoff.
type retryProvider struct {
	inner  Provider
	policy RetryPolicy
	logger *slog.Logger
}

// RetryOption configures WithRetry and WithEmbeddingRetry.
type RetryOption func(*retryProvider)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryProvider) { r.policy.MaxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt
// (default: 1s). Each subsequent delay doubles.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.policy.BaseDelay = d }
}

// RetryLogger sets the structured logger for retry events. Retries log at
// WARN; final failures log at ERROR. Default is a no-op logger.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryProvider) { r.logger = l }
}

// WithRetry wraps p with automatic retry on transient and resource errors.
// When the error carries a Retry-After hint, the delay is at least that long.
func WithRetry(p Provider, opts ...RetryOption) Provider {
	r := &retryProvider{inner: p, policy: DefaultRetryPolicy()}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

func (r *retryProvider) Name() string { return r.inner.Name() }

func (r *retryProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return retryCall(ctx, r.policy, "chat:"+r.inner.Name(), r.logger, func() (ChatResponse, error) {
		return r.inner.Chat(ctx, req)
	})
}

// ChatStream retries only while no events have been emitted — once streaming
// has started, errors pass through to avoid duplicate content.
// ch is always closed before returning.
func (r *retryProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	var lastErr error
	for i := 0; i < r.policy.MaxAttempts; i++ {
		mid := make(chan StreamEvent, 64)
		var (
			resp      ChatResponse
			streamErr error
		)
		done := make(chan struct{})
		go func() {
			defer close(done)
			resp, streamErr = r.inner.ChatStream(ctx, req, mid)
		}()

		var eventsSent bool
		for ev := range mid {
			eventsSent = true
			ch <- ev
		}
		<-done

		if streamErr == nil || !Classify(streamErr).Retryable() || eventsSent {
			close(ch)
			return resp, streamErr
		}

		lastErr = streamErr
		r.logger.Warn("retrying stream",
			"provider", r.inner.Name(),
			"kind", Classify(streamErr).String(),
			"attempt", i+1,
			"max_attempts", r.policy.MaxAttempts)
		if i < r.policy.MaxAttempts-1 {
			delay := r.policy.Delay(i, Classify(streamErr))
			if ra := retryAfterOf(streamErr); ra > delay {
				delay = ra
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				close(ch)
				return ChatResponse{}, ctx.Err()
			case <-timer.C:
			}
		}
	}
	r.logger.Error("stream retry attempts exhausted",
		"provider", r.inner.Name(),
		"attempts", r.policy.MaxAttempts,
		"error", lastErr)
	close(ch)
	return ChatResponse{}, lastErr
}

// --- EmbeddingProvider retry wrapper ---

type retryEmbeddingProvider struct {
	inner  EmbeddingProvider
	policy RetryPolicy
	logger *slog.Logger
}

// WithEmbeddingRetry wraps p with the same retry behavior as WithRetry.
func WithEmbeddingRetry(p EmbeddingProvider, opts ...RetryOption) EmbeddingProvider {
	cfg := &retryProvider{policy: DefaultRetryPolicy()}
	for _, opt := range opts {
		opt(cfg)
	}
	logger := cfg.logger
	if logger == nil {
		logger = nopLogger
	}
	return &retryEmbeddingProvider{inner: p, policy: cfg.policy, logger: logger}
}

func (r *retryEmbeddingProvider) Name() string    { return r.inner.Name() }
func (r *retryEmbeddingProvider) Dimensions() int { return r.inner.Dimensions() }

func (r *retryEmbeddingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return retryCall(ctx, r.policy, "embed:"+r.inner.Name(), r.logger, func() ([][]float32, error) {
		return r.inner.Embed(ctx, texts)
	})
}

// compile-time checks
var (
	_ Provider          = (*retryProvider)(nil)
	_ EmbeddingProvider = (*retryEmbeddingProvider)(nil)
)
