// Package iopipeline turns a host read/write into sequences of translator
// and NAND calls over a single partition, coalescing contiguous
// same-flash-page transfers and gating foreground GC behind write
// credits.
package iopipeline

import (
	"github.com/flashsim/dftl/internal/dftl/cmt"
	"github.com/flashsim/dftl/internal/dftl/gc"
	"github.com/flashsim/dftl/internal/dftl/geometry"
	"github.com/flashsim/dftl/internal/dftl/lines"
	"github.com/flashsim/dftl/internal/dftl/nand"
	"github.com/flashsim/dftl/internal/dftl/nandsim"
	"github.com/flashsim/dftl/internal/dftl/pageops"
	"github.com/flashsim/dftl/internal/dftl/rmap"
	"github.com/flashsim/dftl/internal/dftl/translate"
	"github.com/flashsim/dftl/internal/dftl/wear"
	"github.com/flashsim/dftl/internal/dftl/wp"
)

// Config carries the per-partition I/O pipeline knobs.
type Config struct {
	GCForegroundIters    int
	WriteEarlyCompletion bool
	RunWLAfterGC         bool
}

// Pipeline executes host read/write operations, already routed to their
// local LPNs, against one partition's components.
type Pipeline struct {
	cfg        Config
	geo        geometry.Geometry
	mirror     *nand.Mirror
	rm         *rmap.Map
	linesMgr   *lines.Manager
	frontiers  *wp.Frontiers
	translator *translate.Translator
	cmtbl      *cmt.CMT
	gcEngine   *gc.Engine
	wl         *wear.Leveler
	timer      nandsim.Timer
	wbuf       nandsim.WriteBuffer
}

// New constructs a Pipeline over already-wired per-partition components.
// wl may be nil when wear leveling is disabled.
func New(cfg Config, geo geometry.Geometry, mirror *nand.Mirror, rm *rmap.Map, linesMgr *lines.Manager, frontiers *wp.Frontiers, translator *translate.Translator, cmtbl *cmt.CMT, gcEngine *gc.Engine, wl *wear.Leveler, timer nandsim.Timer, wbuf nandsim.WriteBuffer) *Pipeline {
	return &Pipeline{cfg: cfg, geo: geo, mirror: mirror, rm: rm, linesMgr: linesMgr, frontiers: frontiers, translator: translator, cmtbl: cmtbl, gcEngine: gcEngine, wl: wl, timer: timer, wbuf: wbuf}
}

func sameFlashPage(a, b geometry.PPA) bool {
	return a.Ch == b.Ch && a.Lun == b.Lun && a.Pl == b.Pl && a.Blk == b.Blk && b.Pg == a.Pg+1
}

// ReadLPNs translates and reads every local lpn, coalescing contiguous
// same-flash-page runs into a single NAND read.
func (p *Pipeline) ReadLPNs(lpns []int64, t0 uint64) (uint64, error) {
	completion := t0
	var ppas []geometry.PPA
	for _, lpn := range lpns {
		res, err := p.translator.Translate(lpn, t0, true)
		if err != nil {
			return 0, err
		}
		if res.CompletionTime > completion {
			completion = res.CompletionTime
		}
		if !res.PPA.Mapped {
			continue // UNMAPPED: legal for unwritten LPNs, no NAND activity
		}
		ppas = append(ppas, res.PPA)
	}

	i := 0
	for i < len(ppas) {
		j := i + 1
		for j < len(ppas) && sameFlashPage(ppas[j-1], ppas[j]) {
			j++
		}
		run := ppas[i:j]
		end := p.timer.AdvanceNAND(nandsim.Command{Op: nandsim.OpRead, StartTime: t0, XferSize: p.geo.PageSize * len(run), PPA: run[0]})
		if end > completion {
			completion = end
		}
		i = j
	}
	return completion, nil
}

// WriteLPNs writes every local lpn, invalidating any old mapping,
// allocating from the User frontier, and gating foreground GC (and
// wear-leveling, if enabled) behind write-credit exhaustion.
func (p *Pipeline) WriteLPNs(lpns []int64, t0, tBuf uint64, fua bool) (uint64, error) {
	completion := tBuf

	for _, lpn := range lpns {
		res, err := p.translator.Translate(lpn, t0, false)
		if err != nil {
			return 0, err
		}
		if res.PPA.Mapped {
			if err := pageops.MarkInvalid(p.mirror, p.linesMgr, res.PPA); err != nil {
				return 0, err
			}
			p.rm.Set(p.geo.PageIndex(res.PPA), geometry.InvalidLPN)
		}

		newPPA, err := p.frontiers.NewPage(wp.User)
		if err != nil {
			return 0, err
		}
		p.rm.Set(p.geo.PageIndex(newPPA), lpn)
		if err := pageops.MarkValid(p.mirror, p.linesMgr, newPPA, false); err != nil {
			return 0, err
		}

		vpn, off := p.geo.SplitLPN(lpn)
		if e, ok := p.cmtbl.Peek(vpn); ok {
			e.L2P[off] = newPPA
			e.Dirty = true
		}

		if err := p.frontiers.Advance(wp.User); err != nil {
			return 0, err
		}

		if p.geo.LastPageInWordline(newPPA) {
			start := tBuf
			if res.CompletionTime > start {
				start = res.CompletionTime
			}
			end := p.timer.AdvanceNAND(nandsim.Command{Op: nandsim.OpWrite, StartTime: start, XferSize: p.geo.PageSize * p.geo.PagesPerOneshot, PPA: newPPA})
			if end > completion {
				completion = end
			}
			p.wbuf.ScheduleInternalOp(0, end, p.geo.PagesPerOneshot*p.geo.PageSize)
		}

		p.gcEngine.ConsumeCredit(1 + res.NANDWritesPerformed)
		if p.gcEngine.CreditsExhausted() {
			if _, err := p.gcEngine.RunForeground(p.cfg.GCForegroundIters, t0); err != nil {
				return 0, err
			}
			if p.wl != nil && p.cfg.RunWLAfterGC {
				if err := p.wl.RunPass(t0); err != nil {
					return 0, err
				}
			}
		}
	}

	if fua || !p.cfg.WriteEarlyCompletion {
		return completion, nil
	}
	return tBuf, nil
}

// Flush reports the NAND timing oracle's next idle time.
func (p *Pipeline) Flush() uint64 { return p.timer.NextIdleTime() }
