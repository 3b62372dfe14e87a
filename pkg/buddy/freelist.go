package buddy

// blockOf and localOf convert a global BufNum into a block index and a
// local buffer number within that block, per spec §9: "every dereference
// goes through block-index math" rather than a raw pointer.
func (m *Memspace) blockOf(bn BufNum) int {
	return int(bn / m.numMinPerBlock)
}

func (m *Memspace) localOf(bn BufNum) uint32 {
	return bn % m.numMinPerBlock
}

func (m *Memspace) addrOf(bn BufNum) Addr {
	return m.start + uint64(bn)<<m.minShift
}

func (m *Memspace) bufNumOf(a Addr) BufNum {
	return BufNum((a - m.start) >> m.minShift)
}

func (m *Memspace) shiftIdx(s uint) int { return int(s - m.minShift) }

func (m *Memspace) statusAt(bn BufNum) (state, uint8) {
	b := &m.blocks[m.blockOf(bn)]
	return b.statusAt(m.localOf(bn))
}

func (m *Memspace) setStatusAt(bn BufNum, st state, shift uint8) {
	b := &m.blocks[m.blockOf(bn)]
	b.setStatusAt(m.localOf(bn), st, shift)
}

func (m *Memspace) getLink(bn BufNum) (prev, next BufNum) {
	b := &m.blocks[m.blockOf(bn)]
	return b.getLink(b.pairSlot(m.localOf(bn)))
}

func (m *Memspace) setLink(bn BufNum, prev, next BufNum) {
	b := &m.blocks[m.blockOf(bn)]
	b.setLink(b.pairSlot(m.localOf(bn)), prev, next)
}

// pushFree inserts bn (a free-run head of size-shift s) at the head of
// its (s, color) free list: LIFO, to maximise temporal locality (spec
// §4.1.3).
func (m *Memspace) pushFree(bn BufNum, s uint) {
	c := m.colorOf(bn, s)
	si := m.shiftIdx(s)
	head := m.freeHeads[si][c]
	m.setLink(bn, bufNumNone, head)
	if head != bufNumNone {
		_, hNext := m.getLink(head)
		m.setLink(head, bn, hNext)
	}
	m.freeHeads[si][c] = bn
	m.setStatusAt(bn, stateFree, uint8(s))
	m.freeBytes += uint64(1) << s
}

// removeFree unlinks bn from its (s, color) free list. bn must currently
// be the head of a free run at size-shift s.
func (m *Memspace) removeFree(bn BufNum, s uint) {
	c := m.colorOf(bn, s)
	si := m.shiftIdx(s)
	prev, next := m.getLink(bn)
	if prev == bufNumNone {
		m.freeHeads[si][c] = next
	} else {
		pPrev, _ := m.getLink(prev)
		m.setLink(prev, pPrev, next)
	}
	if next != bufNumNone {
		_, nNext := m.getLink(next)
		m.setLink(next, prev, nNext)
	}
	m.freeBytes -= uint64(1) << s
}

// popFreeAny removes and returns an arbitrary head from the (s, color)
// free list, or (bufNumNone, false) if empty.
func (m *Memspace) popFreeAny(s uint, c Color) (BufNum, bool) {
	si := m.shiftIdx(s)
	head := m.freeHeads[si][c]
	if head == bufNumNone {
		return bufNumNone, false
	}
	m.removeFree(head, s)
	return head, true
}

// buddyOf returns the buddy of a size-shift-s run whose head is bn: the
// buffer at distance numMinBuffers(s) (spec §4.1.1).
func buddyOf(bn BufNum, s, minShift uint) BufNum {
	dist := BufNum(1) << (s - minShift)
	return bn ^ dist
}
