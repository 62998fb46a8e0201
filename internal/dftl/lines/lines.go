// Package lines implements the super-block ("line") index: the free list,
// the full list, and a min-vpc victim priority queue with O(log n)
// decrease-key, matching the index-back-pointer technique described for
// the victim PQ.
package lines

import (
	"container/heap"
	"errors"
)

// Pool is a line's hot/cold wear-leveling classification.
type Pool uint8

const (
	Hot Pool = iota
	Cold
)

func (p Pool) String() string {
	if p == Hot {
		return "hot"
	}
	return "cold"
}

// Location records which of the four disjoint containers a line currently
// belongs to: a frontier's current line, the free list, the full list, or
// the victim PQ. A line is in exactly one at any time.
type Location uint8

const (
	LocFree Location = iota
	LocOpen
	LocFull
	LocVictim
)

// Line is one super-block's mutable metadata.
type Line struct {
	ID          int
	VPC         int
	IPC         int
	EraseCnt    uint64
	EEC         uint64
	Pool        Pool
	Translation bool

	loc   Location
	index int // heap index; -1 when not in the victim PQ
}

// Location reports which container the line currently belongs to.
func (l *Line) Location() Location { return l.loc }

// InVictimPQ reports whether the line is currently a victim-PQ member.
func (l *Line) InVictimPQ() bool { return l.loc == LocVictim }

// ErrNoFreeLine is returned by GetNextFreeLine when the free list is empty.
var ErrNoFreeLine = errors.New("lines: no free line available")

type victimHeap []*Line

func (h victimHeap) Len() int            { return len(h) }
func (h victimHeap) Less(i, j int) bool  { return h[i].VPC < h[j].VPC }
func (h victimHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *victimHeap) Push(x interface{}) { l := x.(*Line); l.index = len(*h); *h = append(*h, l) }
func (h *victimHeap) Pop() interface{} {
	old := *h
	n := len(old)
	l := old[n-1]
	old[n-1] = nil
	l.index = -1
	*h = old[:n-1]
	return l
}

// Manager owns every line in one FTL instance and the free/full/victim
// containers they move between.
type Manager struct {
	pgsPerLine int
	lines      []*Line
	free       []int
	full       map[int]struct{}
	pq         victimHeap
}

// NewManager allocates totalLines lines, all Free, split evenly between
// the Hot and Cold pools.
func NewManager(totalLines, pgsPerLine int) *Manager {
	m := &Manager{pgsPerLine: pgsPerLine, full: make(map[int]struct{})}
	m.lines = make([]*Line, totalLines)
	for i := range m.lines {
		pool := Hot
		if i >= (totalLines+1)/2 {
			pool = Cold
		}
		m.lines[i] = &Line{ID: i, Pool: pool, loc: LocFree, index: -1}
		m.free = append(m.free, i)
	}
	return m
}

// TotalLines returns the number of lines the manager owns.
func (m *Manager) TotalLines() int { return len(m.lines) }

// Line returns the line with the given id.
func (m *Manager) Line(id int) *Line { return m.lines[id] }

// FreeLineCount is the current free-list depth.
func (m *Manager) FreeLineCount() int { return len(m.free) }

// GetNextFreeLine removes and returns the head of the free list.
func (m *Manager) GetNextFreeLine() (*Line, error) {
	if len(m.free) == 0 {
		return nil, ErrNoFreeLine
	}
	id := m.free[0]
	m.free = m.free[1:]
	l := m.lines[id]
	l.VPC, l.IPC = 0, 0
	l.loc = LocOpen
	return l, nil
}

// TakeLine removes a specific line from the free list, for wear-leveling's
// explicit hot-line targeting. Reports false if the line isn't free.
func (m *Manager) TakeLine(id int) (*Line, bool) {
	for i, lid := range m.free {
		if lid == id {
			m.free = append(m.free[:i], m.free[i+1:]...)
			l := m.lines[id]
			l.loc = LocOpen
			return l, true
		}
	}
	return nil, false
}

// MoveToFull marks a line fully written with no overwrites.
func (m *Manager) MoveToFull(l *Line) {
	l.loc = LocFull
	m.full[l.ID] = struct{}{}
}

// InsertVictim inserts a line into the victim PQ, keyed by its current VPC.
func (m *Manager) InsertVictim(l *Line) {
	l.loc = LocVictim
	heap.Push(&m.pq, l)
}

// PeekVictim returns the min-vpc line without removing it.
func (m *Manager) PeekVictim() (*Line, bool) {
	if len(m.pq) == 0 {
		return nil, false
	}
	return m.pq[0], true
}

// PopVictim removes and returns the min-vpc line, marking it LocOpen while
// it is being cleaned.
func (m *Manager) PopVictim() (*Line, bool) {
	if len(m.pq) == 0 {
		return nil, false
	}
	l := heap.Pop(&m.pq).(*Line)
	l.loc = LocOpen
	return l, true
}

// SelectVictim implements GC's victim-selection refusal rule: peek, and
// unless force is set, refuse lines with more than pgsPerLine/8 valid
// pages still resident.
func (m *Manager) SelectVictim(force bool) (*Line, bool) {
	l, ok := m.PeekVictim()
	if !ok {
		return nil, false
	}
	if !force && l.VPC > m.pgsPerLine/8 {
		return nil, false
	}
	return m.PopVictim()
}

// ChangeVictimPriority re-heapifies a line already in the victim PQ after
// its VPC changed (the index-back-pointer decrease-key).
func (m *Manager) ChangeVictimPriority(l *Line) {
	if l.index >= 0 {
		heap.Fix(&m.pq, l.index)
	}
}

// MarkLineFree clears a line's counters, bumps erase_cnt/eec, and appends
// it to the free list, detaching it from whichever container it was in.
func (m *Manager) MarkLineFree(l *Line) {
	switch l.loc {
	case LocFull:
		delete(m.full, l.ID)
	case LocVictim:
		if l.index >= 0 {
			heap.Remove(&m.pq, l.index)
		}
	}
	l.VPC, l.IPC = 0, 0
	l.EraseCnt++
	l.EEC++
	l.Translation = false
	l.loc = LocFree
	m.free = append(m.free, l.ID)
}

// OnPageInvalidated reacts to a page in this line transitioning to
// Invalid: a Full line becomes reclaimable and moves into the victim PQ;
// a line already in the victim PQ has its priority decreased.
func (m *Manager) OnPageInvalidated(l *Line) {
	switch l.loc {
	case LocFull:
		delete(m.full, l.ID)
		m.InsertVictim(l)
	case LocVictim:
		m.ChangeVictimPriority(l)
	}
}

// SetPool retags a line's wear-leveling pool.
func (m *Manager) SetPool(l *Line, p Pool) { l.Pool = p }

// LinesInPool returns every line currently tagged with pool p.
func (m *Manager) LinesInPool(p Pool) []*Line {
	var out []*Line
	for _, l := range m.lines {
		if l.Pool == p {
			out = append(out, l)
		}
	}
	return out
}

// FullyWrittenNonFrontierLines returns the lines in pool p that are fully
// written and not any frontier's current line (members of the Full list or
// the victim PQ), the candidate set for cold-data migration.
func (m *Manager) FullyWrittenNonFrontierLines(p Pool) []*Line {
	var out []*Line
	for _, l := range m.lines {
		if l.Pool == p && (l.loc == LocFull || l.loc == LocVictim) {
			out = append(out, l)
		}
	}
	return out
}

// HotPoolCount counts the lines currently tagged Hot.
func (m *Manager) HotPoolCount() int {
	n := 0
	for _, l := range m.lines {
		if l.Pool == Hot {
			n++
		}
	}
	return n
}

func (m *Manager) ColdPoolCount() int { return len(m.lines) - m.HotPoolCount() }
