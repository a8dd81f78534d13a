package cache

import (
	"sort"
	"sync"

	"github.com/mrizaln/madbfs-sub001/pkg/types"
)

// fileLock is the per-identity operation lock. Entries are refcounted and
// removed once nobody holds or waits for them.
type fileLock struct {
	mu   sync.RWMutex
	refs int
}

type lockTable struct {
	mu    sync.Mutex
	locks map[types.ID]*fileLock
}

func (t *lockTable) ref(id types.ID) *fileLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.locks == nil {
		t.locks = make(map[types.ID]*fileLock)
	}
	l, ok := t.locks[id]
	if !ok {
		l = &fileLock{}
		t.locks[id] = l
	}
	l.refs++
	return l
}

func (t *lockTable) unref(id types.ID, l *fileLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, id)
	}
}

func (t *lockTable) lock(id types.ID) func() {
	l := t.ref(id)
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		t.unref(id, l)
	}
}

func (t *lockTable) rlock(id types.ID) func() {
	l := t.ref(id)
	l.mu.RLock()
	return func() {
		l.mu.RUnlock()
		t.unref(id, l)
	}
}

// tryRLock never blocks on the file lock itself.
func (t *lockTable) tryRLock(id types.ID) (func(), bool) {
	l := t.ref(id)
	if !l.mu.TryRLock() {
		t.unref(id, l)
		return nil, false
	}
	return func() {
		l.mu.RUnlock()
		t.unref(id, l)
	}, true
}

// Lock takes the exclusive operation lock of id. Anything that changes a
// file's content or size on either side (Write, Flush, Truncate, a remote
// truncate or copy) runs under it, and eviction never writes back pages of
// a file someone holds exclusively. The returned func releases the lock.
func (c *Cache) Lock(id types.ID) func() {
	return c.locks.lock(id)
}

// RLock takes the shared operation lock of id, for reads.
func (c *Cache) RLock(id types.ID) func() {
	return c.locks.rlock(id)
}

// LockAll takes the exclusive locks of every id in ascending order, so two
// callers locking overlapping sets cannot deadlock. Duplicates are locked
// once.
func (c *Cache) LockAll(ids ...types.ID) func() {
	sorted := append([]types.ID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var unlocks []func()
	for i, id := range sorted {
		if i > 0 && id == sorted[i-1] {
			continue
		}
		unlocks = append(unlocks, c.locks.lock(id))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}
