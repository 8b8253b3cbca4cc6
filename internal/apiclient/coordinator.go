package apiclient

import (
	"context"
	"sync"
)

// refreshResult is handed to every waiter when a refresh cycle settles
type refreshResult struct {
	token string
	err   error
}

// ticket tells a caller that saw a 401 what to do next. Exactly one of the
// three outcomes applies: replay with fresh, wait on wait, or lead the refresh.
type ticket struct {
	leader bool
	fresh  string
	wait   <-chan refreshResult
	err    error
}

// coordinator is the refresh coordination state. At most one refresh cycle
// is in flight; everything else that needs a new token queues behind it.
type coordinator struct {
	mu         sync.Mutex
	refreshing bool
	waiters    []chan refreshResult
}

func newCoordinator() *coordinator {
	return &coordinator{}
}

// beginRefreshOrWait decides, under one lock, whether the caller leads a new
// refresh, joins the in-flight one, or already has a newer token to replay
// with. current reads the stored access token; it runs under the lock so a
// cycle that completes concurrently is either fully visible or not started.
func (c *coordinator) beginRefreshOrWait(ctx context.Context, sent string, current func(context.Context) (string, error)) ticket {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.refreshing {
		ch := make(chan refreshResult, 1)
		c.waiters = append(c.waiters, ch)
		return ticket{wait: ch}
	}

	stored, err := current(ctx)
	if err != nil {
		return ticket{err: err}
	}
	if stored != "" && stored != sent {
		return ticket{fresh: stored}
	}

	c.refreshing = true
	return ticket{leader: true}
}

// completeRefresh returns the coordinator to idle and releases waiters in
// arrival order. Channels are buffered, so a waiter that gave up is skipped
// without blocking.
func (c *coordinator) completeRefresh(token string, err error) int {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.refreshing = false
	c.mu.Unlock()

	for _, w := range waiters {
		w <- refreshResult{token: token, err: err}
	}
	return len(waiters)
}

// snapshot reports whether a refresh is in flight and how many callers wait on it
func (c *coordinator) snapshot() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshing, len(c.waiters)
}
