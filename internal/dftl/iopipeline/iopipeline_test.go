package iopipeline

import (
	"testing"

	"github.com/flashsim/dftl/internal/dftl/cmt"
	"github.com/flashsim/dftl/internal/dftl/gc"
	"github.com/flashsim/dftl/internal/dftl/geometry"
	"github.com/flashsim/dftl/internal/dftl/gtd"
	"github.com/flashsim/dftl/internal/dftl/lines"
	"github.com/flashsim/dftl/internal/dftl/nand"
	"github.com/flashsim/dftl/internal/dftl/nandsim"
	"github.com/flashsim/dftl/internal/dftl/rmap"
	"github.com/flashsim/dftl/internal/dftl/translate"
	"github.com/flashsim/dftl/internal/dftl/wp"
)

func testGeo() geometry.Geometry {
	return geometry.Geometry{
		Channels: 1, LunsPerCh: 1, PlanesPerLun: 1,
		BlocksPerPlane: 8, PagesPerBlock: 16, PagesPerOneshot: 4,
		MapEntriesPerPage: 512, PageSize: 4096,
	}
}

func newPipeline(t *testing.T, earlyCompletion bool) *Pipeline {
	t.Helper()
	geo := testGeo()
	mirror := nand.NewMirror(geo)
	lm := lines.NewManager(geo.TotalLines(), geo.PagesPerLine())
	dir := gtd.New(geo.TotalTranslationPages())
	rm := rmap.New(geo.TotalPhysicalPages())
	cmtbl := cmt.New(2)
	fr, err := wp.NewFrontiers(geo, lm)
	if err != nil {
		t.Fatal(err)
	}
	timer := nandsim.NewSimpleTimer(nandsim.LatencyModel{ReadLatencyNS: 10, WriteLatencyNS: 100})
	wbuf := nandsim.NewSimpleWriteBuffer(1<<20, 0.01)
	tr := translate.New(geo, mirror, cmtbl, dir, rm, lm, fr, timer)
	gcEngine := gc.New(gc.Config{ThresLinesHigh: 0, EnableDelay: true}, geo, mirror, lm, dir, rm, cmtbl, fr, timer)

	cfg := Config{GCForegroundIters: 4, WriteEarlyCompletion: earlyCompletion}
	return New(cfg, geo, mirror, rm, lm, fr, tr, cmtbl, gcEngine, nil, timer, wbuf)
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	p := newPipeline(t, false)
	if _, err := p.WriteLPNs([]int64{0}, 0, 0, true); err != nil {
		t.Fatalf("WriteLPNs: %v", err)
	}

	vpn, _ := p.geo.SplitLPN(0)
	e, ok := p.cmtbl.Peek(vpn)
	if !ok {
		t.Fatal("expected vpn 0 resident in the CMT after a write")
	}
	wantPPA := e.L2P[0]
	if !wantPPA.Mapped {
		t.Fatal("LPN 0 must be mapped after being written")
	}
	if p.mirror.Page(wantPPA).Status != nand.Valid {
		t.Fatal("the page LPN 0 resolves to must be Valid")
	}
	if p.linesMgr.Line(wantPPA.Blk).VPC != 1 {
		t.Fatalf("owning line VPC = %d, want 1", p.linesMgr.Line(wantPPA.Blk).VPC)
	}
}

func TestOverwriteInvalidatesOldPageAndMapsNewOne(t *testing.T) {
	p := newPipeline(t, false)
	if _, err := p.WriteLPNs([]int64{0}, 0, 0, true); err != nil {
		t.Fatal(err)
	}
	vpn, _ := p.geo.SplitLPN(0)
	first, _ := p.cmtbl.Peek(vpn)
	oldPPA := first.L2P[0]

	if _, err := p.WriteLPNs([]int64{0}, 10, 10, true); err != nil {
		t.Fatal(err)
	}
	second, _ := p.cmtbl.Peek(vpn)
	newPPA := second.L2P[0]

	if oldPPA == newPPA {
		t.Fatal("overwriting LPN 0 must allocate a distinct physical page")
	}
	if p.mirror.Page(oldPPA).Status != nand.Invalid {
		t.Fatalf("old page status = %v, want Invalid", p.mirror.Page(oldPPA).Status)
	}
	if p.mirror.Page(newPPA).Status != nand.Valid {
		t.Fatalf("new page status = %v, want Valid", p.mirror.Page(newPPA).Status)
	}

	ipcVpc := 0
	if oldPPA.Blk == newPPA.Blk {
		l := p.linesMgr.Line(oldPPA.Blk)
		ipcVpc = l.VPC + l.IPC
	} else {
		ipcVpc = p.linesMgr.Line(oldPPA.Blk).IPC + p.linesMgr.Line(oldPPA.Blk).VPC +
			p.linesMgr.Line(newPPA.Blk).VPC
	}
	if ipcVpc != 2 {
		t.Fatalf("vpc+ipc across the touched line(s) = %d, want 2", ipcVpc)
	}
}

func TestFlushReportsTimerIdleTime(t *testing.T) {
	p := newPipeline(t, false)
	// write a full wordline (pages 0..3) so the 4th write actually crosses
	// the oneshot boundary and schedules a real NAND_WRITE.
	if _, err := p.WriteLPNs([]int64{0, 1, 2, 3}, 0, 0, false); err != nil {
		t.Fatal(err)
	}
	if got := p.Flush(); got == 0 {
		t.Fatal("Flush should report a non-zero idle time once a NAND write has been scheduled")
	}
}

func TestWriteEarlyCompletionReturnsBufferTime(t *testing.T) {
	p := newPipeline(t, true)
	completion, err := p.WriteLPNs([]int64{0}, 100, 50, false) // fua=false, early completion enabled
	if err != nil {
		t.Fatal(err)
	}
	if completion != 50 {
		t.Fatalf("completion = %d, want tBuf=50 under early completion", completion)
	}
}
