package httputil

import (
	"context"
	"sync/atomic"
)

// Semaphore bounds concurrently executing pipelines. Every admitted request
// can hold up to three outbound calls in flight, so the server caps
// pipeline concurrency rather than letting goroutines accumulate behind a
// slow backend.
type Semaphore struct {
	sem      chan struct{}
	rejected atomic.Int64
}

// NewSemaphore creates a semaphore with the given capacity.
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 256
	}
	return &Semaphore{
		sem: make(chan struct{}, capacity),
	}
}

// TryAcquire attempts to take a slot without blocking. Returns false when
// at capacity; callers shed the request (503) rather than queueing it.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.sem <- struct{}{}:
		return true
	default:
		s.rejected.Add(1)
		return false
	}
}

// Acquire blocks until a slot is available or the context ends.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot. Call exactly once per successful acquire.
func (s *Semaphore) Release() {
	select {
	case <-s.sem:
	default:
		// Release without acquire; ignore rather than panic.
	}
}

// RejectedCount returns how many requests were shed at capacity.
func (s *Semaphore) RejectedCount() int64 {
	return s.rejected.Load()
}

// InUse returns the number of slots currently held.
func (s *Semaphore) InUse() int {
	return len(s.sem)
}

// Capacity returns the configured slot count.
func (s *Semaphore) Capacity() int {
	return cap(s.sem)
}
