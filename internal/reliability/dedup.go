package reliability

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/ayvex/llm-orchestrator/internal/providers"
)

// Deduplicator coalesces identical in-flight provider calls: while an
// execution for a key is running, additional callers with the same key block
// and receive its result instead of triggering duplicate work. The in-flight
// marker clears as soon as the execution settles, so a later call with the
// same key starts fresh.
type Deduplicator struct {
	group singleflight.Group
}

// NewDeduplicator creates a Deduplicator.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{}
}

// Do executes fn under key. The returned shared flag is true when this caller
// received a result produced by another caller's execution.
func (d *Deduplicator) Do(key string, fn func() (*providers.Completion, error)) (*providers.Completion, bool, error) {
	v, err, shared := d.group.Do(key, func() (any, error) {
		return fn()
	})
	if err != nil {
		return nil, shared, err
	}
	return v.(*providers.Completion), shared, nil
}

// DoCtx is Do with cancellation: if ctx ends first, this caller detaches and
// returns ctx.Err() while the shared execution keeps running for the others.
func (d *Deduplicator) DoCtx(ctx context.Context, key string, fn func() (*providers.Completion, error)) (*providers.Completion, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		return fn()
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*providers.Completion), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}
