package analyzer

import (
	"context"
	"errors"
	"testing"
	"time"
)

type flakyProvider struct {
	failures int
	calls    int
	err      error
}

func (f *flakyProvider) Name() string { return "flaky" }
func (f *flakyProvider) Close() error { return nil }
func (f *flakyProvider) Analyze(ctx context.Context, prompt string, files map[string]string) (*Result, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return &Result{Output: "{}"}, nil
}

func TestRetryRecoversFromTransientErrors(t *testing.T) {
	p := &flakyProvider{failures: 2, err: errors.New("upstream 503")}
	cli := Wrap(p, Retry(3, time.Millisecond))

	if _, err := cli.Analyze(context.Background(), "p", nil); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if p.calls != 3 {
		t.Fatalf("calls = %d, want 3", p.calls)
	}
}

func TestRetryGivesUpAfterBound(t *testing.T) {
	p := &flakyProvider{failures: 10, err: errors.New("upstream 503")}
	cli := Wrap(p, Retry(3, time.Millisecond))

	if _, err := cli.Analyze(context.Background(), "p", nil); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if p.calls != 3 {
		t.Fatalf("calls = %d, want 3", p.calls)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	p := &flakyProvider{failures: 10, err: &PermanentError{Err: errors.New("invalid api key")}}
	cli := Wrap(p, Retry(5, time.Millisecond))

	_, err := cli.Analyze(context.Background(), "p", nil)
	if !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if p.calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on permanent errors)", p.calls)
	}
}

func TestRetryHonorsCancellation(t *testing.T) {
	p := &flakyProvider{failures: 10, err: errors.New("upstream 503")}
	cli := Wrap(p, Retry(5, 50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := cli.Analyze(ctx, "p", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRateLimitSpacesCalls(t *testing.T) {
	fake := &Fake{}
	cli := Wrap(fake, RateLimit(10, 1)) // 1 burst, then ~100ms per token
	t.Cleanup(func() { _ = cli.Close() })

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := cli.Analyze(context.Background(), "p", nil); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Fatalf("3 calls finished in %v; limiter not throttling", elapsed)
	}
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	if _, err := New(context.Background(), Config{Provider: "cohere"}); err == nil {
		t.Fatal("expected configuration error for unknown provider")
	}
}
