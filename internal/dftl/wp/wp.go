// Package wp implements the five append-only write-pointer frontiers that
// stripe new pages over channels and LUNs within their current line.
package wp

import (
	"fmt"

	"github.com/flashsim/dftl/internal/dftl/geometry"
	"github.com/flashsim/dftl/internal/dftl/lines"
)

// Frontier tags one of the five write pointers. A closed enumeration so
// callers cannot request an undefined frontier.
type Frontier int

const (
	User Frontier = iota
	GC
	Translation
	TranslationGC
	WL
	numFrontiers
)

func (f Frontier) String() string {
	switch f {
	case User:
		return "user"
	case GC:
		return "gc"
	case Translation:
		return "translation"
	case TranslationGC:
		return "translation-gc"
	case WL:
		return "wl"
	default:
		return "unknown"
	}
}

type pointer struct {
	curLine     *lines.Line
	ch, lun, pg int
}

// Frontiers owns the five write pointers for one FTL instance.
type Frontiers struct {
	geo      geometry.Geometry
	linesMgr *lines.Manager
	ptrs     [numFrontiers]*pointer
}

// NewFrontiers allocates the five pointers, each claiming an initial free
// line from linesMgr.
func NewFrontiers(geo geometry.Geometry, linesMgr *lines.Manager) (*Frontiers, error) {
	f := &Frontiers{geo: geo, linesMgr: linesMgr}
	for k := Frontier(0); k < numFrontiers; k++ {
		l, err := linesMgr.GetNextFreeLine()
		if err != nil {
			return nil, fmt.Errorf("init frontier %s: %w", k, err)
		}
		if k == Translation || k == TranslationGC {
			l.Translation = true
		}
		f.ptrs[k] = &pointer{curLine: l}
	}
	return f, nil
}

// CurLine exposes the frontier's current line, e.g. for diagnostics.
func (f *Frontiers) CurLine(kind Frontier) *lines.Line { return f.ptrs[kind].curLine }

// SetCurLine directly assigns a frontier's current line and resets its
// (ch,lun,pg) cursor, bypassing the free-list pop. Used by wear-leveling
// to target a specific just-freed line.
func (f *Frontiers) SetCurLine(kind Frontier, l *lines.Line) {
	s := f.ptrs[kind]
	s.curLine = l
	s.ch, s.lun, s.pg = 0, 0, 0
}

// NewPage returns the next page address the frontier would write, without
// advancing. Planes are never striped across by a write pointer (Pl=0).
func (f *Frontiers) NewPage(kind Frontier) (geometry.PPA, error) {
	s := f.ptrs[kind]
	if s.curLine == nil {
		return geometry.PPA{}, fmt.Errorf("wp: frontier %s has no current line", kind)
	}
	return geometry.PPA{Mapped: true, Ch: s.ch, Lun: s.lun, Pl: 0, Blk: s.curLine.ID, Pg: s.pg}, nil
}

// Advance implements the five-step frontier-advance algorithm run after
// each page write.
func (f *Frontiers) Advance(kind Frontier) error {
	s := f.ptrs[kind]

	s.pg++
	if s.pg%f.geo.PagesPerOneshot != 0 {
		return nil
	}

	s.pg -= f.geo.PagesPerOneshot
	s.ch++
	if s.ch < f.geo.Channels {
		return nil
	}

	s.ch = 0
	s.lun++
	if s.lun < f.geo.LunsPerCh {
		return nil
	}

	s.lun = 0
	s.pg += f.geo.PagesPerOneshot
	if s.pg < f.geo.PagesPerBlock {
		return nil
	}

	if s.curLine.VPC == f.geo.PagesPerLine() {
		f.linesMgr.MoveToFull(s.curLine)
	} else {
		f.linesMgr.InsertVictim(s.curLine)
	}

	newLine, err := f.linesMgr.GetNextFreeLine()
	if err != nil {
		return fmt.Errorf("advance frontier %s: %w", kind, err)
	}
	if kind == Translation || kind == TranslationGC {
		newLine.Translation = true
	}
	s.curLine = newLine
	s.pg, s.ch, s.lun = 0, 0, 0
	return nil
}
