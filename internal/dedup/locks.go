package dedup

import "sync"

// classLocks serializes merge-or-promote decisions per classification.
// Two candidates that could plausibly match the same master event always
// share a classification, so holding the classification lock for the whole
// match-search-and-write section prevents the lost-update race where one
// real event spawns two masters. Candidates in disjoint classifications
// proceed fully in parallel.
//
// Entries are never released: the classification registry is a small,
// append-only dictionary, so the map stays bounded.
type classLocks struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func newClassLocks() *classLocks {
	return &classLocks{locks: make(map[int64]*sync.Mutex)}
}

func (c *classLocks) get(classificationID int64) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.locks[classificationID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[classificationID] = l
	}
	return l
}
