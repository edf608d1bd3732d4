package engine

import "sync"

// enrollmentLocks serializes engine operations per enrollment so a lifecycle
// change and a step execution for the same enrollment never interleave.
// Entries are reference-counted and removed once idle.
type enrollmentLocks struct {
	mu    sync.Mutex
	locks map[string]*enrollmentLock
}

type enrollmentLock struct {
	mu   sync.Mutex
	refs int
}

func newEnrollmentLocks() *enrollmentLocks {
	return &enrollmentLocks{locks: make(map[string]*enrollmentLock)}
}

// Lock acquires the per-enrollment mutex and returns its release function.
func (l *enrollmentLocks) Lock(enrollmentID string) func() {
	l.mu.Lock()

	lock, ok := l.locks[enrollmentID]
	if !ok {
		lock = &enrollmentLock{}
		l.locks[enrollmentID] = lock
	}

	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()

	return func() {
		lock.mu.Unlock()

		l.mu.Lock()
		lock.refs--

		if lock.refs == 0 {
			delete(l.locks, enrollmentID)
		}
		l.mu.Unlock()
	}
}
