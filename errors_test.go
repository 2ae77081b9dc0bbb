package arbor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestErrLLMError(t *testing.T) {
	tests := []struct {
		provider string
		message  string
		want     string
	}{
		{"openai", "rate limited", "openai: rate limited"},
		{"deepseek", "context length exceeded", "deepseek: context length exceeded"},
	}
	for _, tt := range tests {
		e := &ErrLLM{Provider: tt.provider, Message: tt.message}
		if got := e.Error(); got != tt.want {
			t.Errorf("ErrLLM{%q, %q}.Error() = %q, want %q", tt.provider, tt.message, got, tt.want)
		}
	}
}

func TestErrHTTPError(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   string
	}{
		{429, "too many requests", "http 429: too many requests"},
		{500, "internal server error", "http 500: internal server error"},
	}
	for _, tt := range tests {
		e := &ErrHTTP{Status: tt.status, Body: tt.body}
		if got := e.Error(); got != tt.want {
			t.Errorf("ErrHTTP{%d, %q}.Error() = %q, want %q", tt.status, tt.body, got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindPermanent},
		{"plain error", errors.New("boom"), KindPermanent},
		{"context canceled", context.Canceled, KindCancelled},
		{"deadline exceeded", context.DeadlineExceeded, KindTransient},
		{"http 429", &ErrHTTP{Status: 429}, KindTransient},
		{"http 503", &ErrHTTP{Status: 503}, KindTransient},
		{"http 400", &ErrHTTP{Status: 400}, KindPermanent},
		{"http 401", &ErrHTTP{Status: 401}, KindPermanent},
		{"tagged resource", Tag(KindResource, errors.New("oom")), KindResource},
		{"tagged policy", Tag(KindPolicy, errors.New("blocked")), KindPolicy},
		{"wrapped tagged", fmt.Errorf("outer: %w", Tag(KindTransient, errors.New("inner"))), KindTransient},
		{"wrapped canceled", fmt.Errorf("op: %w", context.Canceled), KindCancelled},
		{"budget exhausted", &BudgetExhaustedError{CellID: "c1"}, KindPermanent},
		{"cancelled cell", &CancelledError{CellID: "c1", Reason: "stall"}, KindCancelled},
		{"validation", &ValidationError{Subject: "node-1", Detail: "missing input"}, KindPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestKindRetryable(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want bool
	}{
		{KindTransient, true},
		{KindResource, true},
		{KindPermanent, false},
		{KindPolicy, false},
		{KindCancelled, false},
	}
	for _, tt := range tests {
		if got := tt.kind.Retryable(); got != tt.want {
			t.Errorf("%v.Retryable() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestTagNil(t *testing.T) {
	if Tag(KindTransient, nil) != nil {
		t.Error("Tag(kind, nil) should return nil")
	}
}

func TestTagUnwrap(t *testing.T) {
	inner := errors.New("inner")
	tagged := Tag(KindResource, inner)
	if !errors.Is(tagged, inner) {
		t.Error("tagged error should unwrap to inner")
	}
}

func TestTagf(t *testing.T) {
	inner := errors.New("disk full")
	err := Tagf(KindResource, "write failed: %w", inner)
	if Classify(err) != KindResource {
		t.Errorf("Classify = %v, want KindResource", Classify(err))
	}
	if !errors.Is(err, inner) {
		t.Error("Tagf %w should preserve the chain")
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"empty", "", 0},
		{"seconds", "7", 7 * time.Second},
		{"zero seconds", "0", 0},
		{"garbage", "soon", 0},
		{"negative", "-5", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseRetryAfter(tt.value); got != tt.want {
				t.Errorf("ParseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	// Retry-After dates are always GMT-zoned per RFC 9110.
	future := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	got := ParseRetryAfter(future)
	if got <= 0 || got > 31*time.Second {
		t.Errorf("ParseRetryAfter(http-date 30s out) = %v, want ~30s", got)
	}

	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	if got := ParseRetryAfter(past); got != 0 {
		t.Errorf("ParseRetryAfter(past date) = %v, want 0", got)
	}
}

func TestBudgetExhaustedError(t *testing.T) {
	e := &BudgetExhaustedError{CellID: "cell-7", Used: 900, Total: 1000, Reason: "tokens"}
	want := "cell cell-7: budget exhausted (tokens): 900/1000 tokens used"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestCancelledErrorKind(t *testing.T) {
	e := &CancelledError{CellID: "cell-1", Reason: "timeout"}
	if e.Kind() != KindCancelled {
		t.Errorf("Kind() = %v, want KindCancelled", e.Kind())
	}
}
