// Package rmap implements the physical-page-index to LPN reverse map
// (RMAP). Translation pages reuse the same slot type to carry a vpn,
// since both are plain int64 indices with the same INVALID sentinel.
package rmap

import "github.com/flashsim/dftl/internal/dftl/geometry"

// Map is page_index -> LPN (or INVALID_LPN).
type Map struct {
	entries []int64
}

// New allocates a Map of n physical pages, all pointing at InvalidLPN.
func New(n int) *Map {
	e := make([]int64, n)
	for i := range e {
		e[i] = geometry.InvalidLPN
	}
	return &Map{entries: e}
}

// Get returns the LPN (or vpn) recorded for the physical page at pgidx.
func (m *Map) Get(pgidx int) int64 { return m.entries[pgidx] }

// Set records lpn (or vpn) for the physical page at pgidx.
func (m *Map) Set(pgidx int, lpn int64) { m.entries[pgidx] = lpn }
