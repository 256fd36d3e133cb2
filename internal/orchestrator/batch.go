package orchestrator

import (
	"context"
	"sync"

	"actionsguard/internal/action"
)

// ScanBatch scans refs with at most concurrency workers. One failed
// reference never stops the others; cancellation is honored between (and
// inside) scans. The returned slice matches the input order and always has
// one outcome per reference.
func (o *Orchestrator) ScanBatch(ctx context.Context, refs []action.Ref, opts Options, concurrency int) []Outcome {
	if concurrency <= 0 {
		concurrency = 1
	}
	outcomes := make([]Outcome, len(refs))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, ref := range refs {
		if ctx.Err() != nil {
			// Cooperative cancellation: everything not yet started is
			// reported as failed, nothing is silently dropped.
			outcomes[i] = Outcome{Ref: ref, Status: StatusFailed, Kind: FailInternal, Err: ctx.Err()}
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, ref action.Ref) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i] = o.Scan(ctx, ref, opts)
		}(i, ref)
	}
	wg.Wait()
	return outcomes
}
