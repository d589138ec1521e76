package sweep

import (
	"context"
	"sync"
)

// Lock grants exclusive use of the instrument. Admission takes it with
// TryBegin on the caller's goroutine and hands the Lease to the executor,
// which ends it on every exit path.
type Lock struct {
	sem chan struct{}
}

func NewLock() *Lock {
	return &Lock{sem: make(chan struct{}, 1)}
}

// TryBegin acquires the lock without waiting
func (l *Lock) TryBegin() (*Lease, bool) {
	select {
	case l.sem <- struct{}{}:
		return &Lease{lock: l}, true
	default:
		return nil, false
	}
}

// Begin waits for the lock or for ctx to end
func (l *Lock) Begin(ctx context.Context) (*Lease, error) {
	select {
	case l.sem <- struct{}{}:
		return &Lease{lock: l}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Lock) Busy() bool {
	return len(l.sem) == 1
}

// Lease is one holding of the lock. End is idempotent.
type Lease struct {
	lock *Lock
	once sync.Once
}

func (le *Lease) End() {
	le.once.Do(func() { <-le.lock.sem })
}
