package merge

import (
	"sync"
)

// recordLocks serializes concurrent merges touching the same records.
// Each record gets its own tenant-scoped lock, so merges that share a
// record in any role contend even when the pairs differ (B->A and
// B->C both hold B).
type recordLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newRecordLocks() *recordLocks {
	return &recordLocks{
		locks: make(map[string]*sync.Mutex),
	}
}

// lock acquires the locks for both records and returns the release
// function. Acquisition order is sorted by record ID so overlapping
// merges cannot deadlock.
func (p *recordLocks) lock(tenantID, a, b string) func() {
	if b < a {
		a, b = b, a
	}

	first := p.get(tenantID + ":" + a)
	second := p.get(tenantID + ":" + b)

	first.Lock()
	second.Lock()
	return func() {
		second.Unlock()
		first.Unlock()
	}
}

func (p *recordLocks) get(key string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[key]
	if !ok {
		l = &sync.Mutex{}
		p.locks[key] = l
	}
	return l
}
