package kseg

// Set is ASSOC ways plus the small local-CPU-only LRU state used to pick
// an eviction victim and the "last way" hint used as the fast-path probe
// (spec §3.2). lastWayHint and lruNext are touched only by the owning
// CPU's cooperative section, never by a remote flush, so they need no
// atomics of their own.
type Set struct {
	ways        []Pair
	lastWayHint int
	lruNext     int
}

func newSet(assoc int, firstVA uint64) Set {
	ways := make([]Pair, assoc)
	for w := range ways {
		ways[w].vaddr = firstVA + uint64(w)*2*pageSize
		ways[w].secondVAddr = ways[w].vaddr + pageSize
		ways[w].invalidate()
	}
	return Set{ways: ways}
}

// promote records w as the fast-path hint and advances the LRU pointer
// past it, a simple stand-in for true recency tracking that is cheap
// enough to run on every hit (spec §4.2.1 "on hit, promote LRU").
func (s *Set) promote(w int) {
	s.lastWayHint = w
	s.lruNext = (w + 1) % len(s.ways)
}

// pickVictim rotates the LRU pointer at most ASSOC times looking for a
// way with refCount == 0 (spec §4.2.1 "Insert"). Returns (-1, false) if
// none is reclaimable within that budget.
func (s *Set) pickVictim() (int, bool) {
	n := len(s.ways)
	for i := 0; i < n; i++ {
		w := s.lruNext
		s.lruNext = (s.lruNext + 1) % n
		if s.ways[w].refCount.Load() == 0 {
			return w, true
		}
	}
	return -1, false
}
