// Package nand mirrors the per-page and per-block state of the simulated
// NAND array: status, translation ownership, and the owned L2P payload
// carried by valid translation pages.
package nand

import (
	"errors"
	"fmt"

	"github.com/flashsim/dftl/internal/dftl/geometry"
)

// Status is a physical page's lifecycle state.
type Status uint8

const (
	Free Status = iota
	Valid
	Invalid
)

func (s Status) String() string {
	switch s {
	case Free:
		return "free"
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// ErrInvalidTransition flags an attempted page-status transition other than
// Free->Valid, Valid->Invalid, or Invalid->Free.
var ErrInvalidTransition = errors.New("nand: invalid page state transition")

// Page is one physical page's mirrored state. L2P is non-nil only while
// Translation && Status==Valid; it is the single owner of that payload.
type Page struct {
	Status      Status
	Translation bool
	L2P         []geometry.PPA
}

// Block is the per-block counters the line manager aggregates from.
type Block struct {
	Pages    []Page
	VPC      int
	IPC      int
	EraseCnt uint64
}

// Mirror owns every physical page and block in one FTL instance.
type Mirror struct {
	geo    geometry.Geometry
	blocks []Block
}

// NewMirror allocates a fully Free array for geo.
func NewMirror(geo geometry.Geometry) *Mirror {
	m := &Mirror{geo: geo, blocks: make([]Block, geo.TotalBlocks())}
	for i := range m.blocks {
		m.blocks[i].Pages = make([]Page, geo.PagesPerBlock)
	}
	return m
}

// Block returns the block owning ppa.
func (m *Mirror) Block(ppa geometry.PPA) *Block { return &m.blocks[m.geo.BlockIndex(ppa)] }

// Page returns the single page addressed by ppa.
func (m *Mirror) Page(ppa geometry.PPA) *Page {
	b := m.Block(ppa)
	return &b.Pages[ppa.Pg]
}

// PageL2P reads the L2P array owned by a valid translation page.
func (m *Mirror) PageL2P(ppa geometry.PPA) []geometry.PPA { return m.Page(ppa).L2P }

// SetL2P installs l2p as the page's owned payload. Callers must only call
// this after MarkValid(ppa, true).
func (m *Mirror) SetL2P(ppa geometry.PPA, l2p []geometry.PPA) { m.Page(ppa).L2P = l2p }

// MarkValid performs the Free->Valid transition.
func (m *Mirror) MarkValid(ppa geometry.PPA, translation bool) error {
	pg := m.Page(ppa)
	if pg.Status != Free {
		return fmt.Errorf("mark valid %s (status=%s): %w", ppa, pg.Status, ErrInvalidTransition)
	}
	pg.Status = Valid
	pg.Translation = translation
	m.Block(ppa).VPC++
	return nil
}

// MarkInvalid performs the Valid->Invalid transition, releasing any owned
// L2P payload.
func (m *Mirror) MarkInvalid(ppa geometry.PPA) error {
	pg := m.Page(ppa)
	if pg.Status != Valid {
		return fmt.Errorf("mark invalid %s (status=%s): %w", ppa, pg.Status, ErrInvalidTransition)
	}
	pg.Status = Invalid
	pg.L2P = nil
	b := m.Block(ppa)
	b.VPC--
	b.IPC++
	return nil
}

// EraseBlock performs the Invalid/Free->Free transition for every page in
// the block addressed by ppa (pg is ignored) and bumps its erase count.
// It reports ErrInvalidTransition if any page is still Valid, since a
// correct GC pass must have relocated every valid page first.
func (m *Mirror) EraseBlock(ppa geometry.PPA) error {
	b := m.Block(ppa)
	for i := range b.Pages {
		if b.Pages[i].Status == Valid {
			return fmt.Errorf("erase block with valid page at pg=%d: %w", i, ErrInvalidTransition)
		}
		b.Pages[i] = Page{}
	}
	b.VPC = 0
	b.IPC = 0
	b.EraseCnt++
	return nil
}
