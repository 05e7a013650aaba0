package supervisor

import (
	"context"
	"sync"
)

// future is a single-assignment readiness handle. The first resolve wins;
// later attempts are rejected so a late health success cannot overwrite a
// recorded failure.
type future struct {
	mu   sync.Mutex
	done chan struct{}
	err  error
	set  bool
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

// resolve assigns the outcome. Returns false when the future was already
// resolved, leaving the original outcome in place.
func (f *future) resolve(err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set {
		return false
	}
	f.set = true
	f.err = err
	close(f.done)
	return true
}

// wait blocks until the future resolves or ctx is done, returning the
// resolved outcome.
func (f *future) wait(ctx context.Context) error {
	select {
	case <-f.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}
