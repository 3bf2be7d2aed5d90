// Package pool bounds how many memory-hard hash and key-derivation calls run
// at once. Each Argon2id call can take 64 MiB, so an unbounded burst of
// logins would otherwise be a memory problem before it is a CPU one.
package pool

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// Pool is a counting semaphore sized to the number of concurrent jobs.
type Pool struct {
	sem  *semaphore.Weighted
	size int64
}

// New returns a pool admitting size jobs at once. size <= 0 means GOMAXPROCS.
func New(size int) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
}

// Size reports the pool's capacity.
func (p *Pool) Size() int { return int(p.size) }

// Do waits for a slot, runs fn on the calling goroutine and releases the slot.
// Only the wait honours ctx; a running job is never interrupted.
func Do[T any](ctx context.Context, p *Pool, fn func() (T, error)) (T, error) {
	var zero T
	if p == nil {
		return fn()
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return zero, fmt.Errorf("wait for kdf slot: %w", err)
	}
	defer p.sem.Release(1)
	return fn()
}
