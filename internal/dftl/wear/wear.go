// Package wear implements dual-pool wear leveling: hot/cold line
// classification, pool adjustment, and cold-data migration, exposed as an
// explicit post-GC hook. The I/O path runs it after foreground GC only
// when configured to (run_after_gc); otherwise callers invoke it.
package wear

import (
	"fmt"

	"github.com/flashsim/dftl/internal/dftl/gc"
	"github.com/flashsim/dftl/internal/dftl/lines"
	"github.com/flashsim/dftl/internal/dftl/wp"
)

// Config carries the three dual-pool wear-leveling thresholds.
type Config struct {
	ThHotPoolAdjustment  uint64
	ThColdPoolAdjustment uint64
	ThColdDataMigration  uint64
	Enabled              bool // DO_WL
}

// Leveler classifies lines and migrates cold data off hot-worn lines.
type Leveler struct {
	cfg       Config
	linesMgr  *lines.Manager
	gcEngine  *gc.Engine
	frontiers *wp.Frontiers
}

// New constructs a Leveler over already-wired components.
func New(cfg Config, linesMgr *lines.Manager, gcEngine *gc.Engine, frontiers *wp.Frontiers) *Leveler {
	return &Leveler{cfg: cfg, linesMgr: linesMgr, gcEngine: gcEngine, frontiers: frontiers}
}

// RunPass runs the hot-pool adjustment, cold-pool adjustment, and
// cold-data migration checks once, in that order, as a single
// configurable post-GC hook. It is a no-op if wear leveling is disabled.
func (w *Leveler) RunPass(startTime uint64) error {
	if !w.cfg.Enabled {
		return nil
	}
	w.MaybeAdjustHotPool()
	w.MaybeAdjustColdPool()
	_, err := w.MaybeMigrateColdData(startTime)
	return err
}

// MaybeAdjustHotPool moves the min-erase_cnt Hot line to Cold if the Hot
// pool's erase-count spread exceeds TH_HOT_POOL_ADJUSTMENT.
func (w *Leveler) MaybeAdjustHotPool() bool {
	hot := w.linesMgr.LinesInPool(lines.Hot)
	if len(hot) < 2 {
		return false
	}
	maxL, minL := hot[0], hot[0]
	for _, l := range hot[1:] {
		if l.EraseCnt > maxL.EraseCnt {
			maxL = l
		}
		if l.EraseCnt < minL.EraseCnt {
			minL = l
		}
	}
	if maxL.EraseCnt-minL.EraseCnt > w.cfg.ThHotPoolAdjustment {
		w.linesMgr.SetPool(minL, lines.Cold)
		return true
	}
	return false
}

// MaybeAdjustColdPool moves the max-eec Cold line to Hot if it exceeds the
// min-eec Hot line by more than TH_COLD_POOL_ADJUSTMENT.
func (w *Leveler) MaybeAdjustColdPool() bool {
	cold := w.linesMgr.LinesInPool(lines.Cold)
	hot := w.linesMgr.LinesInPool(lines.Hot)
	if len(cold) == 0 || len(hot) == 0 {
		return false
	}
	maxCold := cold[0]
	for _, l := range cold[1:] {
		if l.EEC > maxCold.EEC {
			maxCold = l
		}
	}
	minHot := hot[0]
	for _, l := range hot[1:] {
		if l.EEC < minHot.EEC {
			minHot = l
		}
	}
	if maxCold.EEC-minHot.EEC > w.cfg.ThColdPoolAdjustment {
		w.linesMgr.SetPool(maxCold, lines.Hot)
		return true
	}
	return false
}

// pickExtreme picks the tie-broken max (or min, with less inverted) line
// from candidates by erase_cnt, preferring the higher eec on ties, then
// higher ipc. How recently a line was erased is not tracked, so it plays
// no part in the choice.
func pickExtreme(candidates []*lines.Line, wantMax bool) *lines.Line {
	best := candidates[0]
	for _, l := range candidates[1:] {
		better := l.EraseCnt > best.EraseCnt
		if !wantMax {
			better = l.EraseCnt < best.EraseCnt
		}
		if !better && l.EraseCnt == best.EraseCnt {
			if l.EEC != best.EEC {
				better = l.EEC > best.EEC
			} else {
				better = l.IPC > best.IPC
			}
		}
		if better {
			best = l
		}
	}
	return best
}

// MaybeMigrateColdData frees the most-worn hot line by GC-ing it, then
// relocates the least-worn cold line's valid pages onto it through the WL
// frontier, swapping the two lines' pool tags.
func (w *Leveler) MaybeMigrateColdData(startTime uint64) (bool, error) {
	hotCandidates := w.linesMgr.FullyWrittenNonFrontierLines(lines.Hot)
	coldCandidates := w.linesMgr.FullyWrittenNonFrontierLines(lines.Cold)
	if len(hotCandidates) == 0 || len(coldCandidates) == 0 {
		return false, nil
	}
	hotLine := pickExtreme(hotCandidates, true)
	coldLine := pickExtreme(coldCandidates, false)
	if hotLine.EraseCnt-coldLine.EraseCnt <= w.cfg.ThColdDataMigration {
		return false, nil
	}

	if _, err := w.gcEngine.DoGC(hotLine, false, startTime); err != nil {
		return false, fmt.Errorf("wear: free hot line %d: %w", hotLine.ID, err)
	}
	freedHot, ok := w.linesMgr.TakeLine(hotLine.ID)
	if !ok {
		return false, fmt.Errorf("wear: freed hot line %d missing from free list", hotLine.ID)
	}
	w.frontiers.SetCurLine(wp.WL, freedHot)

	if _, err := w.gcEngine.DoGC(coldLine, true, startTime); err != nil {
		return false, fmt.Errorf("wear: relocate cold line %d: %w", coldLine.ID, err)
	}

	freedHot.Pool = lines.Cold
	freedHot.EEC = 0
	coldLine.Pool = lines.Hot
	return true, nil
}
