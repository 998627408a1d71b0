package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/antoniostano/synapse/internal/apperr"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(2, base, capDur); got != 400*time.Millisecond {
		t.Fatalf("attempt 2 = %v, want 400ms", got)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}

func TestSleepStopsOnDone(t *testing.T) {
	done := make(chan struct{})
	close(done)
	if Sleep(done, time.Hour) {
		t.Fatalf("Sleep() = true, want false when done is closed")
	}
	if !Sleep(nil, 0) {
		t.Fatalf("Sleep(0) = false, want true")
	}
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	cfg := DefaultBreakerConfig("generation")
	cfg.MinRequests = 3
	cfg.Timeout = time.Hour
	b := NewBreaker(cfg, nil)

	upstream := errors.New("upstream 503")
	for i := 0; i < 3; i++ {
		err := b.Execute(context.Background(), func(context.Context) error { return upstream })
		if !errors.Is(err, upstream) {
			t.Fatalf("Execute(%d) error = %v, want upstream error", i, err)
		}
	}
	if got := b.State(); got != "open" {
		t.Fatalf("State() = %q, want open", got)
	}

	called := false
	err := b.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Fatalf("open breaker still invoked fn")
	}
	if !errors.Is(err, apperr.ErrService) || !apperr.IsRetryable(err) {
		t.Fatalf("Execute() on open breaker error = %v, want retryable service error", err)
	}
}

func TestBreakerIgnoresValidationFailures(t *testing.T) {
	cfg := DefaultBreakerConfig("embedding")
	cfg.MinRequests = 2
	b := NewBreaker(cfg, nil)

	for i := 0; i < 5; i++ {
		_ = b.Execute(context.Background(), func(context.Context) error {
			return apperr.Validation("embedding.embed", "text is empty", nil)
		})
	}
	if got := b.State(); got != "closed" {
		t.Fatalf("State() = %q, want closed", got)
	}
}
