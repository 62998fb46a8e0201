// Package translate implements the address translator: a single-LPN
// lookup through the CMT, faulting in from (or allocating) the on-NAND
// translation page on miss, and evicting the LRU tail when the CMT
// overflows.
package translate

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

// Result is the outcome of a single translate call.
type Result struct {
	PPA                 geometry.PPA
	CompletionTime      uint64
	NANDWritesPerformed int
}

// Translator resolves LPNs to PPAs, demand-paging translation pages
// through the CMT.
type Translator struct {
	geo       geometry.Geometry
	mirror    *nand.Mirror
	cmtbl     *cmt.CMT
	directory *gtd.Directory
	rm        *rmap.Map
	linesMgr  *lines.Manager
	frontiers *wp.Frontiers
	timer     nandsim.Timer
}

// New constructs a Translator over the given, already-wired components.
func New(geo geometry.Geometry, mirror *nand.Mirror, cmtbl *cmt.CMT, directory *gtd.Directory, rm *rmap.Map, linesMgr *lines.Manager, frontiers *wp.Frontiers, timer nandsim.Timer) *Translator {
	return &Translator{geo: geo, mirror: mirror, cmtbl: cmtbl, directory: directory, rm: rm, linesMgr: linesMgr, frontiers: frontiers, timer: timer}
}

// Translate resolves lpn to a PPA, returning the time the lookup is
// logically completed and how many NAND writes it performed as a side
// effect of CMT eviction.
func (t *Translator) Translate(lpn int64, startTime uint64, isRead bool) (Result, error) {
	vpn, off := t.geo.SplitLPN(lpn)

	if e, ok := t.cmtbl.Get(vpn); ok {
		return Result{PPA: e.L2P[off], CompletionTime: startTime}, nil
	}

	tpgPPA := t.directory.Get(vpn)
	cold := !tpgPPA.Mapped
	t.cmtbl.RecordMiss(cold, isRead)

	var l2p []geometry.PPA
	var completion uint64
	writesPerformed := 0

	if cold {
		newTP, err := t.frontiers.NewPage(wp.Translation)
		if err != nil {
			return Result{}, err
		}
		if err := pageops.MarkValid(t.mirror, t.linesMgr, newTP, true); err != nil {
			return Result{}, err
		}
		l2p = make([]geometry.PPA, t.geo.MapEntriesPerPage)
		t.mirror.SetL2P(newTP, make([]geometry.PPA, t.geo.MapEntriesPerPage))
		t.directory.Set(vpn, newTP)
		t.rm.Set(t.geo.PageIndex(newTP), vpn)
		if err := t.frontiers.Advance(wp.Translation); err != nil {
			return Result{}, err
		}
		completion = startTime
	} else {
		completion = t.timer.AdvanceNAND(nandsim.Command{Op: nandsim.OpRead, StartTime: startTime, XferSize: t.geo.PageSize, PPA: tpgPPA})
		l2p = append([]geometry.PPA(nil), t.mirror.PageL2P(tpgPPA)...)
	}

	if t.cmtbl.Full() {
		victim := t.cmtbl.EvictTail()
		if victim != nil && victim.Dirty {
			n, err := t.writeBackEvicted(victim, startTime)
			if err != nil {
				return Result{}, err
			}
			writesPerformed += n
		}
	}

	entry := &cmt.Entry{VPN: vpn, L2P: l2p, Dirty: false}
	t.cmtbl.Insert(entry)

	return Result{PPA: entry.L2P[off], CompletionTime: completion, NANDWritesPerformed: writesPerformed}, nil
}

// writeBackEvicted persists a dirty evicted CMT entry as a new translation
// page, keeping the GTD and reverse map pointed at the fresh copy.
func (t *Translator) writeBackEvicted(e *cmt.Entry, startTime uint64) (int, error) {
	oldTP := t.directory.Get(e.VPN)

	newTP, err := t.frontiers.NewPage(wp.Translation)
	if err != nil {
		return 0, fmt.Errorf("translate: evict writeback for vpn %d: %w", e.VPN, err)
	}
	if err := pageops.MarkValid(t.mirror, t.linesMgr, newTP, true); err != nil {
		return 0, err
	}
	t.mirror.SetL2P(newTP, e.L2P)

	if oldTP.Mapped {
		if err := pageops.MarkInvalid(t.mirror, t.linesMgr, oldTP); err != nil {
			return 0, err
		}
		t.rm.Set(t.geo.PageIndex(oldTP), geometry.InvalidLPN)
	}
	t.rm.Set(t.geo.PageIndex(newTP), e.VPN)
	t.directory.Set(e.VPN, newTP)

	if err := t.frontiers.Advance(wp.Translation); err != nil {
		return 0, err
	}

	op := nandsim.OpNop
	xfer := 0
	if t.geo.LastPageInWordline(newTP) {
		op = nandsim.OpWrite
		xfer = t.geo.PageSize * t.geo.PagesPerOneshot
	}
	t.timer.AdvanceNAND(nandsim.Command{Op: op, StartTime: startTime, XferSize: xfer, PPA: newTP})
	return 1, nil
}
