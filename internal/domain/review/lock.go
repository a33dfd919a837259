package review

import (
	"sync"

	"github.com/google/uuid"
)

type sampleKey struct {
	tenantID string
	sampleID uuid.UUID
}

// sampleLocks hands out one mutex per (tenant, sample). Entries are dropped
// once no goroutine holds or waits on them.
type sampleLocks struct {
	mu    sync.Mutex
	locks map[sampleKey]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newSampleLocks() *sampleLocks {
	return &sampleLocks{locks: make(map[sampleKey]*refMutex)}
}

// lock blocks until the key is free and returns its unlock func.
func (l *sampleLocks) lock(tenantID string, sampleID uuid.UUID) func() {
	key := sampleKey{tenantID, sampleID}

	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &refMutex{}
		l.locks[key] = m
	}
	m.refs++
	l.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		l.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

func (l *sampleLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
