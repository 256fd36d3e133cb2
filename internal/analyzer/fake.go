package analyzer

import (
	"context"
	"sync"
)

// Fake is a scripted Provider for tests. Each Analyze call consumes the next
// scripted response; when the script runs out, the last entry repeats.
type Fake struct {
	mu        sync.Mutex
	Responses []FakeResponse
	calls     int
}

type FakeResponse struct {
	Output string
	Usage  TokenUsage
	Err    error
}

func (f *Fake) Name() string { return "fake" }
func (f *Fake) Close() error { return nil }

func (f *Fake) Analyze(ctx context.Context, prompt string, files map[string]string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	if len(f.Responses) == 0 {
		return &Result{Output: `{"issues": [], "checks": []}`}, nil
	}
	if idx >= len(f.Responses) {
		idx = len(f.Responses) - 1
	}
	r := f.Responses[idx]
	if r.Err != nil {
		return nil, r.Err
	}
	return &Result{Output: r.Output, Usage: r.Usage}, nil
}

// Calls returns how many times Analyze ran.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
