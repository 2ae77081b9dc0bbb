package arbor

import (
	"context"
	"sync"
	"time"
)

// rateLimitProvider wraps a Provider with proactive rate limiting. With
// a deep cell hierarchy and parallel DAG branches many calls can hit
// the provider at once; callers block here until the minute budget
// allows them through.
type rateLimitProvider struct {
	inner Provider
	mu    sync.Mutex

	// Request budget: sliding window of call timestamps.
	rpm      int
	requests []time.Time

	// Token budget: sliding window of (timestamp, tokenCount) pairs.
	tpm   int
	usage []usageEntry
}

type usageEntry struct {
	at     time.Time
	tokens int
}

// RateLimitOption configures a rateLimitProvider.
type RateLimitOption func(*rateLimitProvider)

// RPM sets the maximum requests per minute.
func RPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) { r.rpm = n }
}

// TPM sets the maximum tokens per minute (input + output combined).
// Token counts are recorded from ChatResponse.Usage after each request.
// This is a soft limit — the request that exceeds the budget completes,
// but subsequent requests block until the window slides.
func TPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) { r.tpm = n }
}

// WithRateLimit wraps p with proactive rate limiting so cell planning
// and node execution stay inside provider quotas. Compose with other
// wrappers:
//
//	provider = arbor.WithRateLimit(provider, arbor.RPM(60))
//	provider = arbor.WithRateLimit(arbor.WithRetry(provider), arbor.RPM(60), arbor.TPM(100000))
func WithRateLimit(p Provider, opts ...RateLimitOption) Provider {
	r := &rateLimitProvider{inner: p}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *rateLimitProvider) Name() string { return r.inner.Name() }

func (r *rateLimitProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if err := r.waitForBudget(ctx); err != nil {
		return ChatResponse{}, err
	}
	resp, err := r.inner.Chat(ctx, req)
	if err == nil {
		r.recordUsage(resp.Usage)
	}
	return resp, err
}

func (r *rateLimitProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	if err := r.waitForBudget(ctx); err != nil {
		close(ch)
		return ChatResponse{}, err
	}
	resp, err := r.inner.ChatStream(ctx, req, ch)
	if err == nil {
		r.recordUsage(resp.Usage)
	}
	return resp, err
}

// waitForBudget blocks until both the request and token budgets allow a
// call. Returns ctx.Err() if the context is cancelled while waiting.
func (r *rateLimitProvider) waitForBudget(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-time.Minute)

		r.requests = pruneRequests(r.requests, cutoff)
		r.usage = pruneUsage(r.usage, cutoff)

		rpmOK := r.rpm <= 0 || len(r.requests) < r.rpm

		tpmOK := true
		if r.tpm > 0 {
			var total int
			for _, e := range r.usage {
				total += e.tokens
			}
			tpmOK = total < r.tpm
		}

		if rpmOK && tpmOK {
			if r.rpm > 0 {
				r.requests = append(r.requests, now)
			}
			r.mu.Unlock()
			return nil
		}

		// Sleep until the oldest entry in the blocking window expires.
		var wait time.Duration
		if !rpmOK && len(r.requests) > 0 {
			wait = r.requests[0].Add(time.Minute).Sub(now)
		}
		if !tpmOK && len(r.usage) > 0 {
			w := r.usage[0].at.Add(time.Minute).Sub(now)
			if wait == 0 || w < wait {
				wait = w
			}
		}
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		r.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// recordUsage adds token counts to the token budget window.
func (r *rateLimitProvider) recordUsage(u Usage) {
	if r.tpm <= 0 {
		return
	}
	total := u.InputTokens + u.OutputTokens
	if total <= 0 {
		return
	}
	r.mu.Lock()
	r.usage = append(r.usage, usageEntry{at: time.Now(), tokens: total})
	r.mu.Unlock()
}

func pruneRequests(s []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(s) && s[i].Before(cutoff) {
		i++
	}
	return s[i:]
}

func pruneUsage(s []usageEntry, cutoff time.Time) []usageEntry {
	i := 0
	for i < len(s) && s[i].at.Before(cutoff) {
		i++
	}
	return s[i:]
}

var _ Provider = (*rateLimitProvider)(nil)
