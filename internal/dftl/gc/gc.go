// Package gc implements the garbage collection engine: victim
// selection, per-page relocation of data and translation pages, block
// erase, and line recycling, gated by a write-credit flow controller.
package gc

import (
	"fmt"

	"github.com/flashsim/dftl/internal/dftl/cmt"
	"github.com/flashsim/dftl/internal/dftl/geometry"
	"github.com/flashsim/dftl/internal/dftl/gtd"
	"github.com/flashsim/dftl/internal/dftl/lines"
	"github.com/flashsim/dftl/internal/dftl/nand"
	"github.com/flashsim/dftl/internal/dftl/nandsim"
	"github.com/flashsim/dftl/internal/dftl/pageops"
	"github.com/flashsim/dftl/internal/dftl/rmap"
	"github.com/flashsim/dftl/internal/dftl/wp"
)

// Result reports one GC pass's work.
type Result struct {
	BlocksErased   int
	PagesRelocated int
	Errors         []string
}

// Config carries the GC engine's tunables: the free-line thresholds that
// keep foreground GC running and force victim selection, and whether GC
// ops schedule real NAND latency or run instant.
type Config struct {
	ThresLines     int
	ThresLinesHigh int
	EnableDelay    bool
}

// Engine cleans victim lines and gates foreground GC behind a write-credit
// counter.
type Engine struct {
	cfg       Config
	geo       geometry.Geometry
	mirror    *nand.Mirror
	linesMgr  *lines.Manager
	directory *gtd.Directory
	rm        *rmap.Map
	cmtbl     *cmt.CMT
	frontiers *wp.Frontiers
	timer     nandsim.Timer

	credits      int
	refillAmount int
}

// New constructs a GC engine. Write credits start (and refill) at one full
// line's worth of pages.
func New(cfg Config, geo geometry.Geometry, mirror *nand.Mirror, linesMgr *lines.Manager, directory *gtd.Directory, rm *rmap.Map, cmtbl *cmt.CMT, frontiers *wp.Frontiers, timer nandsim.Timer) *Engine {
	refill := geo.PagesPerLine()
	return &Engine{cfg: cfg, geo: geo, mirror: mirror, linesMgr: linesMgr, directory: directory, rm: rm, cmtbl: cmtbl, frontiers: frontiers, timer: timer, credits: refill, refillAmount: refill}
}

// advanceNAND schedules a NAND op unless GC delay is disabled, in which
// case the op completes instantly at its start time.
func (e *Engine) advanceNAND(cmd nandsim.Command) uint64 {
	if !e.cfg.EnableDelay {
		return cmd.StartTime
	}
	return e.timer.AdvanceNAND(cmd)
}

// ConsumeCredit decrements the write-credit counter by n, per allocated
// data/translation page.
func (e *Engine) ConsumeCredit(n int) {
	e.credits -= n
	if e.credits < 0 {
		e.credits = 0
	}
}

// CreditsExhausted reports whether the write-credit counter has reached
// zero.
func (e *Engine) CreditsExhausted() bool { return e.credits <= 0 }

// RefillCredits restores the write-credit counter by pgs_per_line.
func (e *Engine) RefillCredits() { e.credits += e.refillAmount }

// ShouldGC reports whether the free-line count is low enough that GC work
// is still worth doing.
func (e *Engine) ShouldGC() bool {
	return e.linesMgr.FreeLineCount() <= e.cfg.ThresLines
}

// ShouldGCHigh reports whether the free-line count has dropped to the
// high-water mark, where victim selection stops refusing high-VPC lines.
func (e *Engine) ShouldGCHigh() bool {
	return e.linesMgr.FreeLineCount() <= e.cfg.ThresLinesHigh
}

// SelectVictim delegates to the line manager's refusal rule.
func (e *Engine) SelectVictim(force bool) (*lines.Line, bool) {
	return e.linesMgr.SelectVictim(force)
}

// RunForeground pops and fully cleans up to maxIterations victims, then
// refills write credits once regardless of how many iterations actually
// ran (the GC engine never panics on an empty victim PQ: it just stops
// early, and credits are still refilled).
func (e *Engine) RunForeground(maxIterations int, startTime uint64) (Result, error) {
	var total Result
	for i := 0; i < maxIterations; i++ {
		if i > 0 && !e.ShouldGC() {
			break
		}
		victim, ok := e.SelectVictim(e.ShouldGCHigh())
		if !ok {
			break
		}
		res, err := e.DoGC(victim, false, startTime)
		total.BlocksErased += res.BlocksErased
		total.PagesRelocated += res.PagesRelocated
		total.Errors = append(total.Errors, res.Errors...)
		if err != nil {
			return total, err
		}
	}
	e.RefillCredits()
	return total, nil
}

// DoGC fully cleans one victim line: relocates every valid page, erases
// every constituent block, and returns the line to the free list. isWL
// selects the wear-leveling copy path, which relocates the victim's pages
// through the WL frontier instead of the GC/translation-GC frontiers.
func (e *Engine) DoGC(victim *lines.Line, isWL bool, startTime uint64) (Result, error) {
	var result Result
	for pg := 0; pg < e.geo.PagesPerBlock; pg++ {
		n, err := e.cleanOneFlashpg(victim.ID, pg, isWL, startTime)
		result.PagesRelocated += n
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			return result, err
		}
	}

	for ch := 0; ch < e.geo.Channels; ch++ {
		for lun := 0; lun < e.geo.LunsPerCh; lun++ {
			for pl := 0; pl < e.geo.PlanesPerLun; pl++ {
				ePPA := geometry.PPA{Mapped: true, Ch: ch, Lun: lun, Pl: pl, Blk: victim.ID, Pg: 0}
				e.advanceNAND(nandsim.Command{Op: nandsim.OpErase, StartTime: startTime, PPA: ePPA})
				if err := e.mirror.EraseBlock(ePPA); err != nil {
					result.Errors = append(result.Errors, err.Error())
					return result, err
				}
			}
		}
	}

	e.linesMgr.MarkLineFree(victim)
	result.BlocksErased++
	return result, nil
}

// cleanOneFlashpg sweeps every (ch,lun,pl) combination at a fixed page
// index within the victim line, relocating every still-valid page.
func (e *Engine) cleanOneFlashpg(lineID, pg int, isWL bool, startTime uint64) (int, error) {
	var ppas []geometry.PPA
	cnt := 0
	for ch := 0; ch < e.geo.Channels; ch++ {
		for lun := 0; lun < e.geo.LunsPerCh; lun++ {
			for pl := 0; pl < e.geo.PlanesPerLun; pl++ {
				ppa := geometry.PPA{Mapped: true, Ch: ch, Lun: lun, Pl: pl, Blk: lineID, Pg: pg}
				ppas = append(ppas, ppa)
				if e.mirror.Page(ppa).Status == nand.Valid {
					cnt++
				}
			}
		}
	}
	if cnt == 0 {
		return 0, nil
	}
	e.advanceNAND(nandsim.Command{Op: nandsim.OpRead, StartTime: startTime, XferSize: e.geo.PageSize * cnt, PPA: ppas[0]})

	relocated := 0
	for _, ppa := range ppas {
		page := e.mirror.Page(ppa)
		if page.Status != nand.Valid {
			continue
		}
		var err error
		if page.Translation {
			frontier := wp.TranslationGC
			if isWL {
				frontier = wp.WL
			}
			err = e.gcWriteTranslationPage(ppa, frontier, startTime)
		} else {
			err = e.gcWriteDataPage(ppa, startTime, isWL)
		}
		if err != nil {
			return relocated, err
		}
		relocated++
	}
	return relocated, nil
}

func (e *Engine) scheduleOneshotWrite(ppa geometry.PPA, startTime uint64) {
	if e.geo.LastPageInWordline(ppa) {
		e.advanceNAND(nandsim.Command{Op: nandsim.OpWrite, StartTime: startTime, XferSize: e.geo.PageSize * e.geo.PagesPerOneshot, PPA: ppa})
	} else {
		e.advanceNAND(nandsim.Command{Op: nandsim.OpNop, StartTime: startTime, PPA: ppa})
	}
}

// gcWriteDataPage relocates one valid data page along with the
// translation-page entry that describes it: the owning translation page is
// rewritten through the translation-GC frontier so its entry tracks the
// data page's new home.
func (e *Engine) gcWriteDataPage(oldPPA geometry.PPA, startTime uint64, isWL bool) error {
	pgidx := e.geo.PageIndex(oldPPA)
	lpn := e.rm.Get(pgidx)
	vpn, off := e.geo.SplitLPN(lpn)

	oldTR := e.directory.Get(vpn)
	_, cmtHit := e.cmtbl.Peek(vpn)
	var oldTRL2P []geometry.PPA
	if oldTR.Mapped && !cmtHit {
		// the CMT copy is authoritative on a hit; only a miss pays for
		// reading the old translation page back off NAND
		e.advanceNAND(nandsim.Command{Op: nandsim.OpRead, StartTime: startTime, XferSize: e.geo.PageSize, PPA: oldTR})
		oldTRL2P = append([]geometry.PPA(nil), e.mirror.PageL2P(oldTR)...)
	}

	newTR, err := e.frontiers.NewPage(wp.TranslationGC)
	if err != nil {
		return err
	}
	if err := pageops.MarkValid(e.mirror, e.linesMgr, newTR, true); err != nil {
		return err
	}
	if oldTR.Mapped {
		if err := pageops.MarkInvalid(e.mirror, e.linesMgr, oldTR); err != nil {
			return err
		}
		e.rm.Set(e.geo.PageIndex(oldTR), geometry.InvalidLPN)
	}
	e.rm.Set(e.geo.PageIndex(newTR), vpn)
	if err := e.frontiers.Advance(wp.TranslationGC); err != nil {
		return err
	}

	dataFrontier := wp.GC
	if isWL {
		dataFrontier = wp.WL
	}
	newData, err := e.frontiers.NewPage(dataFrontier)
	if err != nil {
		return err
	}
	e.rm.Set(e.geo.PageIndex(newData), lpn)
	if err := pageops.MarkValid(e.mirror, e.linesMgr, newData, false); err != nil {
		return err
	}
	if err := pageops.MarkInvalid(e.mirror, e.linesMgr, oldPPA); err != nil {
		return err
	}
	if err := e.frontiers.Advance(dataFrontier); err != nil {
		return err
	}

	var l2p []geometry.PPA
	if entry, ok := e.cmtbl.Peek(vpn); ok {
		l2p = append([]geometry.PPA(nil), entry.L2P...)
		l2p[off] = newData
		entry.L2P[off] = newData
		entry.Dirty = false
	} else {
		if oldTR.Mapped {
			l2p = oldTRL2P
		} else {
			l2p = make([]geometry.PPA, e.geo.MapEntriesPerPage)
		}
		l2p[off] = newData
	}
	e.mirror.SetL2P(newTR, l2p)
	e.directory.Set(vpn, newTR)

	e.scheduleOneshotWrite(newTR, startTime)
	e.scheduleOneshotWrite(newData, startTime)
	return nil
}

// gcWriteTranslationPage relocates one valid translation page intact
// through the given frontier, carrying its L2P payload and vpn identity
// to the new location.
func (e *Engine) gcWriteTranslationPage(oldTR geometry.PPA, frontier wp.Frontier, startTime uint64) error {
	pgidx := e.geo.PageIndex(oldTR)
	vpn := e.rm.Get(pgidx)

	newTR, err := e.frontiers.NewPage(frontier)
	if err != nil {
		return err
	}
	if err := pageops.MarkValid(e.mirror, e.linesMgr, newTR, true); err != nil {
		return err
	}

	var l2p []geometry.PPA
	if entry, ok := e.cmtbl.Peek(vpn); ok {
		l2p = append([]geometry.PPA(nil), entry.L2P...)
		entry.Dirty = false
	} else {
		e.advanceNAND(nandsim.Command{Op: nandsim.OpRead, StartTime: startTime, XferSize: e.geo.PageSize, PPA: oldTR})
		l2p = append([]geometry.PPA(nil), e.mirror.PageL2P(oldTR)...)
	}
	e.mirror.SetL2P(newTR, l2p)
	e.directory.Set(vpn, newTR)
	e.rm.Set(e.geo.PageIndex(newTR), vpn)

	if err := pageops.MarkInvalid(e.mirror, e.linesMgr, oldTR); err != nil {
		return fmt.Errorf("gc: invalidate old translation page: %w", err)
	}
	e.rm.Set(pgidx, geometry.InvalidLPN)

	if err := e.frontiers.Advance(frontier); err != nil {
		return err
	}
	e.scheduleOneshotWrite(newTR, startTime)
	return nil
}
