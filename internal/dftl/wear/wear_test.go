package wear

import (
	"testing"

	"github.com/flashsim/dftl/internal/dftl/cmt"
	"github.com/flashsim/dftl/internal/dftl/gc"
	"github.com/flashsim/dftl/internal/dftl/geometry"
	"github.com/flashsim/dftl/internal/dftl/gtd"
	"github.com/flashsim/dftl/internal/dftl/lines"
	"github.com/flashsim/dftl/internal/dftl/nand"
	"github.com/flashsim/dftl/internal/dftl/nandsim"
	"github.com/flashsim/dftl/internal/dftl/pageops"
	"github.com/flashsim/dftl/internal/dftl/rmap"
	"github.com/flashsim/dftl/internal/dftl/wp"
)

func TestMaybeAdjustHotPoolMovesColdestLine(t *testing.T) {
	lm := lines.NewManager(4, 8) // ids 0,1 hot; ids 2,3 cold
	lm.Line(0).EraseCnt = 100
	lm.Line(1).EraseCnt = 0
	w := &Leveler{cfg: Config{ThHotPoolAdjustment: 10}, linesMgr: lm}

	if !w.MaybeAdjustHotPool() {
		t.Fatal("expected a hot-pool adjustment with a 100-erase spread vs threshold 10")
	}
	if lm.Line(1).Pool != lines.Cold {
		t.Fatalf("min-erase_cnt line should have moved to Cold, got %v", lm.Line(1).Pool)
	}
}

func TestMaybeAdjustHotPoolNoOpBelowThreshold(t *testing.T) {
	lm := lines.NewManager(4, 8)
	lm.Line(0).EraseCnt = 5
	lm.Line(1).EraseCnt = 0
	w := &Leveler{cfg: Config{ThHotPoolAdjustment: 10}, linesMgr: lm}

	if w.MaybeAdjustHotPool() {
		t.Fatal("spread of 5 must not cross threshold 10")
	}
	if lm.Line(1).Pool != lines.Hot {
		t.Fatal("pool must be unchanged")
	}
}

func TestMaybeAdjustColdPoolMovesOverworkedColdLine(t *testing.T) {
	lm := lines.NewManager(4, 8) // ids 0,1 hot; ids 2,3 cold
	lm.Line(0).EEC = 0
	lm.Line(1).EEC = 0
	lm.Line(2).EEC = 50
	lm.Line(3).EEC = 0
	w := &Leveler{cfg: Config{ThColdPoolAdjustment: 10}, linesMgr: lm}

	if !w.MaybeAdjustColdPool() {
		t.Fatal("expected cold-pool adjustment: eec spread 50 vs threshold 10")
	}
	if lm.Line(2).Pool != lines.Hot {
		t.Fatalf("max-eec cold line should have moved to Hot, got %v", lm.Line(2).Pool)
	}
}

// wearFixture builds two independent, fully-written, non-frontier lines
// (one Hot, one Cold) each holding 2 valid data pages (2 distinct LPNs)
// described by their own translation page, for exercising
// MaybeMigrateColdData end to end.
type wearFixture struct {
	geo      geometry.Geometry
	mirror   *nand.Mirror
	lm       *lines.Manager
	dir      *gtd.Directory
	rm       *rmap.Map
	fr       *wp.Frontiers
	gcEngine *gc.Engine
	leveler  *Leveler
	hotLine  *lines.Line
	coldLine *lines.Line
}

func newWearFixture(t *testing.T, thMigration uint64) *wearFixture {
	t.Helper()
	geo := geometry.Geometry{
		Channels: 1, LunsPerCh: 1, PlanesPerLun: 1,
		BlocksPerPlane: 12, PagesPerBlock: 16, PagesPerOneshot: 4,
		MapEntriesPerPage: 16, PageSize: 4096,
	}
	mirror := nand.NewMirror(geo)
	lm := lines.NewManager(geo.TotalLines(), geo.PagesPerLine())
	dir := gtd.New(geo.TotalTranslationPages())
	rm := rmap.New(geo.TotalPhysicalPages())
	cmtbl := cmt.New(4)
	fr, err := wp.NewFrontiers(geo, lm)
	if err != nil {
		t.Fatal(err)
	}
	timer := nandsim.NewSimpleTimer(nandsim.LatencyModel{ReadLatencyNS: 1, WriteLatencyNS: 1, EraseLatencyNS: 1})
	gcEngine := gc.New(gc.Config{ThresLinesHigh: 0, EnableDelay: true}, geo, mirror, lm, dir, rm, cmtbl, fr, timer)

	hotLine, err := lm.GetNextFreeLine() // first unclaimed Hot line
	if err != nil {
		t.Fatal(err)
	}
	coldLine, err := lm.GetNextFreeLine() // first unclaimed Cold line
	if err != nil {
		t.Fatal(err)
	}

	const pagesPerTestLine = 2 // well under geo.PagesPerLine(), so relocating one full line's worth never rolls WL over to a new line
	fillLine := func(line *lines.Line, vpn int64, trPPA geometry.PPA) {
		l2p := make([]geometry.PPA, geo.MapEntriesPerPage)
		if err := pageops.MarkValid(mirror, lm, trPPA, true); err != nil {
			t.Fatal(err)
		}
		dir.Set(vpn, trPPA)
		rm.Set(geo.PageIndex(trPPA), vpn)
		for pg := 0; pg < pagesPerTestLine; pg++ {
			dataPPA := geometry.PPA{Mapped: true, Blk: line.ID, Pg: pg}
			if err := pageops.MarkValid(mirror, lm, dataPPA, false); err != nil {
				t.Fatal(err)
			}
			rm.Set(geo.PageIndex(dataPPA), vpn*int64(geo.MapEntriesPerPage)+int64(pg))
			l2p[pg] = dataPPA
		}
		mirror.SetL2P(trPPA, l2p)
		lm.MoveToFull(line)
	}

	// both tr pages live at the tail of the User frontier's line, past any
	// page the GC/translation-GC frontiers will allocate during migration
	fillLine(hotLine, 0, geometry.PPA{Mapped: true, Blk: 0, Pg: geo.PagesPerBlock - 1})
	fillLine(coldLine, 1, geometry.PPA{Mapped: true, Blk: 0, Pg: geo.PagesPerBlock - 2})

	hotLine.EraseCnt = 10
	coldLine.EraseCnt = 0

	leveler := New(Config{ThColdDataMigration: thMigration, Enabled: true}, lm, gcEngine, fr)
	return &wearFixture{geo: geo, mirror: mirror, lm: lm, dir: dir, rm: rm, fr: fr, gcEngine: gcEngine, leveler: leveler, hotLine: hotLine, coldLine: coldLine}
}

func TestMaybeMigrateColdDataSwapsPoolTagsAboveThreshold(t *testing.T) {
	f := newWearFixture(t, 5)
	migrated, err := f.leveler.MaybeMigrateColdData(0)
	if err != nil {
		t.Fatalf("MaybeMigrateColdData: %v", err)
	}
	if !migrated {
		t.Fatal("expected migration: erase_cnt spread 10 exceeds threshold 5")
	}
	if f.hotLine.Pool != lines.Cold {
		t.Fatalf("freed hot line must become Cold, got %v", f.hotLine.Pool)
	}
	if f.hotLine.EEC != 0 {
		t.Fatalf("freed hot line EEC must reset to 0, got %d", f.hotLine.EEC)
	}
	if f.coldLine.Pool != lines.Hot {
		t.Fatalf("freed cold line must become Hot, got %v", f.coldLine.Pool)
	}
	if f.fr.CurLine(wp.WL).ID != f.hotLine.ID {
		t.Fatalf("WL frontier must now point at the freed hot line, got %d want %d", f.fr.CurLine(wp.WL).ID, f.hotLine.ID)
	}
	const pagesPerTestLine = 2
	if f.hotLine.VPC != pagesPerTestLine {
		t.Fatalf("freed hot line should now hold the cold line's relocated pages, VPC = %d, want %d", f.hotLine.VPC, pagesPerTestLine)
	}
}

func TestMaybeMigrateColdDataNoOpBelowThreshold(t *testing.T) {
	f := newWearFixture(t, 100)
	migrated, err := f.leveler.MaybeMigrateColdData(0)
	if err != nil {
		t.Fatalf("MaybeMigrateColdData: %v", err)
	}
	if migrated {
		t.Fatal("spread of 10 must not cross threshold 100")
	}
	if f.hotLine.Pool != lines.Hot || f.coldLine.Pool != lines.Cold {
		t.Fatal("pools must be unchanged when migration is skipped")
	}
}

// TestMaybeMigrateColdDataPreservesTranslationPages gives the cold line
// its own translation page (for a vpn whose data lives outside the line)
// and checks the migration carries it to the WL frontier intact: same vpn
// identity, same L2P payload, GTD and RMAP repointed at the new location.
func TestMaybeMigrateColdDataPreservesTranslationPages(t *testing.T) {
	f := newWearFixture(t, 5)

	const vpn = int64(2)
	dataPPA := geometry.PPA{Mapped: true, Blk: 1, Pg: 3}
	if err := pageops.MarkValid(f.mirror, f.lm, dataPPA, false); err != nil {
		t.Fatal(err)
	}
	f.rm.Set(f.geo.PageIndex(dataPPA), vpn*int64(f.geo.MapEntriesPerPage))

	oldTR := geometry.PPA{Mapped: true, Blk: f.coldLine.ID, Pg: 2}
	if err := pageops.MarkValid(f.mirror, f.lm, oldTR, true); err != nil {
		t.Fatal(err)
	}
	l2p := make([]geometry.PPA, f.geo.MapEntriesPerPage)
	l2p[0] = dataPPA
	f.mirror.SetL2P(oldTR, l2p)
	f.dir.Set(vpn, oldTR)
	f.rm.Set(f.geo.PageIndex(oldTR), vpn)

	migrated, err := f.leveler.MaybeMigrateColdData(0)
	if err != nil {
		t.Fatalf("MaybeMigrateColdData: %v", err)
	}
	if !migrated {
		t.Fatal("expected migration: erase_cnt spread 10 exceeds threshold 5")
	}

	newTR := f.dir.Get(vpn)
	if !newTR.Mapped || newTR == oldTR {
		t.Fatalf("translation page must have relocated, GTD still points at %+v", newTR)
	}
	if newTR.Blk != f.hotLine.ID {
		t.Fatalf("translation page must land on the WL frontier's line %d, got block %d", f.hotLine.ID, newTR.Blk)
	}
	pg := f.mirror.Page(newTR)
	if pg.Status != nand.Valid || !pg.Translation {
		t.Fatalf("relocated translation page status/translation = %v/%v, want Valid/true", pg.Status, pg.Translation)
	}
	if got := f.rm.Get(f.geo.PageIndex(newTR)); got != vpn {
		t.Fatalf("RMAP of relocated translation page = %d, want vpn %d", got, vpn)
	}
	if got := f.mirror.PageL2P(newTR); got[0] != dataPPA {
		t.Fatalf("relocated L2P[0] = %+v, want the original payload %+v", got[0], dataPPA)
	}
	if f.mirror.Page(oldTR).Status != nand.Free {
		t.Fatalf("old translation page status = %v, want Free after the line erase", f.mirror.Page(oldTR).Status)
	}
	if f.mirror.Page(dataPPA).Status != nand.Valid {
		t.Fatal("data page described by the migrated translation page must be untouched")
	}
}
