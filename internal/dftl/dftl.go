// Package dftl wires the translation, GC, and wear-leveling subsystems
// into a per-namespace DFTL instance: one or more independent partitions
// sharing a read-only geometry and the externally-synchronized NAND
// timing/write-buffer oracle.
package dftl

import (
	"errors"
	"fmt"

	"github.com/flashsim/dftl/internal/dftl/cmt"
	"github.com/flashsim/dftl/internal/dftl/config"
	"github.com/flashsim/dftl/internal/dftl/gc"
	"github.com/flashsim/dftl/internal/dftl/geometry"
	"github.com/flashsim/dftl/internal/dftl/gtd"
	"github.com/flashsim/dftl/internal/dftl/iopipeline"
	"github.com/flashsim/dftl/internal/dftl/lines"
	"github.com/flashsim/dftl/internal/dftl/nand"
	"github.com/flashsim/dftl/internal/dftl/nandsim"
	"github.com/flashsim/dftl/internal/dftl/rmap"
	"github.com/flashsim/dftl/internal/dftl/translate"
	"github.com/flashsim/dftl/internal/dftl/wear"
	"github.com/flashsim/dftl/internal/dftl/wp"
)

// ErrWriteBufferFull is returned when a write cannot reserve its bytes in
// the write buffer.
var ErrWriteBufferFull = errors.New("dftl: write buffer full")

// ErrOutOfRangeLPN is returned when a command's LPN range exceeds the
// per-partition logical page count.
var ErrOutOfRangeLPN = errors.New("dftl: command addresses an out-of-range LPN")

// partition bundles one independent FTL instance's components.
type partition struct {
	geo        geometry.Geometry
	mirror     *nand.Mirror
	rm         *rmap.Map
	directory  *gtd.Directory
	cmtbl      *cmt.CMT
	linesMgr   *lines.Manager
	frontiers  *wp.Frontiers
	translator *translate.Translator
	gcEngine   *gc.Engine
	wl         *wear.Leveler
	io         *iopipeline.Pipeline
}

// DFTL is the orchestrating value for one namespace, passed into every
// operation instead of living as a mutable global.
type DFTL struct {
	cfg        config.Config
	partitions []*partition
	timer      nandsim.Timer
	wbuf       nandsim.WriteBuffer
}

// New constructs a DFTL namespace with cfg.Partitions independent
// partitions, sharing timer and wbuf (the externally-synchronized NAND
// timing and write-buffer collaborators).
func New(cfg config.Config, timer nandsim.Timer, wbuf nandsim.WriteBuffer) (*DFTL, error) {
	if cfg.Partitions < 1 {
		return nil, fmt.Errorf("dftl: ssd_partitions must be >= 1")
	}
	d := &DFTL{cfg: cfg, timer: timer, wbuf: wbuf}
	for i := 0; i < cfg.Partitions; i++ {
		p, err := newPartition(cfg, timer, wbuf)
		if err != nil {
			return nil, fmt.Errorf("dftl: init partition %d: %w", i, err)
		}
		d.partitions = append(d.partitions, p)
	}
	return d, nil
}

func newPartition(cfg config.Config, timer nandsim.Timer, wbuf nandsim.WriteBuffer) (*partition, error) {
	geo := cfg.Geometry
	mirror := nand.NewMirror(geo)
	rm := rmap.New(geo.TotalPhysicalPages())
	directory := gtd.New(geo.TotalTranslationPages())
	cmtbl := cmt.New(cfg.CMTCapacity)
	linesMgr := lines.NewManager(geo.TotalLines(), geo.PagesPerLine())

	frontiers, err := wp.NewFrontiers(geo, linesMgr)
	if err != nil {
		return nil, err
	}

	translator := translate.New(geo, mirror, cmtbl, directory, rm, linesMgr, frontiers, timer)
	gcEngine := gc.New(gc.Config{
		ThresLines:     cfg.GCThresLines,
		ThresLinesHigh: cfg.GCThresLinesHigh,
		EnableDelay:    cfg.EnableGCDelay,
	}, geo, mirror, linesMgr, directory, rm, cmtbl, frontiers, timer)

	var wl *wear.Leveler
	if cfg.WearLeveling.Enabled {
		wl = wear.New(wear.Config{
			ThHotPoolAdjustment:  cfg.WearLeveling.ThHotPoolAdjustment,
			ThColdPoolAdjustment: cfg.WearLeveling.ThColdPoolAdjustment,
			ThColdDataMigration:  cfg.WearLeveling.ThColdDataMigration,
			Enabled:              cfg.WearLeveling.Enabled,
		}, linesMgr, gcEngine, frontiers)
	}

	io := iopipeline.New(iopipeline.Config{
		GCForegroundIters:    cfg.GCForegroundIters,
		WriteEarlyCompletion: cfg.WriteEarlyCompletion,
		RunWLAfterGC:         cfg.WearLeveling.RunAfterGC,
	}, geo, mirror, rm, linesMgr, frontiers, translator, cmtbl, gcEngine, wl, timer, wbuf)

	return &partition{
		geo: geo, mirror: mirror, rm: rm, directory: directory, cmtbl: cmtbl,
		linesMgr: linesMgr, frontiers: frontiers, translator: translator,
		gcEngine: gcEngine, wl: wl, io: io,
	}, nil
}

// checkFatal turns an invalid-state-transition error into an immediate
// panic when cfg.Debug is set; otherwise it passes the error through
// unchanged.
func (d *DFTL) checkFatal(err error) error {
	if err != nil && d.cfg.Debug && errors.Is(err, nand.ErrInvalidTransition) {
		panic(err)
	}
	return err
}

func maxU64(a, b uint64) uint64 {
	if b > a {
		return b
	}
	return a
}

// routeLPNs splits the global LBA range [startLBA, startLBA+nrLBA) into
// per-partition local LPN lists: LPN l routes to instance l mod nr_parts,
// local LPN = l / nr_parts.
func (d *DFTL) routeLPNs(startLBA, nrLBA int64) (map[int][]int64, error) {
	geo := d.partitions[0].geo
	startLPN := startLBA / int64(geo.SectorsPerPage)
	endLPN := (startLBA + nrLBA - 1) / int64(geo.SectorsPerPage)
	nrParts := int64(len(d.partitions))

	byPartition := make(map[int][]int64)
	for lpn := startLPN; lpn <= endLPN; lpn++ {
		part := int(lpn % nrParts)
		local := lpn / nrParts
		if int(local) >= geo.TotalLogicalPages() {
			return nil, ErrOutOfRangeLPN
		}
		byPartition[part] = append(byPartition[part], local)
	}
	return byPartition, nil
}

// Read implements the host Read opcode.
func (d *DFTL) Read(startLBA, nrLBA int64, t0 uint64) (uint64, error) {
	byPartition, err := d.routeLPNs(startLBA, nrLBA)
	if err != nil {
		return 0, err
	}
	xferBytes := int(nrLBA) * geometry.SectorSize
	if xferBytes <= 4096 {
		t0 += d.cfg.FW4KBReadLatencyNS
	} else {
		t0 += d.cfg.FWReadLatencyNS
	}

	var completion uint64
	for part, lpns := range byPartition {
		end, err := d.partitions[part].io.ReadLPNs(lpns, t0)
		if err != nil {
			return 0, d.checkFatal(err)
		}
		completion = maxU64(completion, end)
	}
	return completion, nil
}

// Write implements the host Write opcode.
func (d *DFTL) Write(startLBA, nrLBA int64, fua bool, t0 uint64) (uint64, error) {
	byPartition, err := d.routeLPNs(startLBA, nrLBA)
	if err != nil {
		return 0, err
	}

	bytes := int(nrLBA) * geometry.SectorSize
	granted := d.wbuf.Allocate(bytes)
	if granted < bytes {
		if granted > 0 {
			d.wbuf.ScheduleInternalOp(0, t0, granted)
		}
		return 0, ErrWriteBufferFull
	}
	tBuf := d.wbuf.Advance(t0, bytes)

	var completion = tBuf
	for part, lpns := range byPartition {
		end, err := d.partitions[part].io.WriteLPNs(lpns, t0, tBuf, fua)
		if err != nil {
			return 0, d.checkFatal(err)
		}
		completion = maxU64(completion, end)
	}
	return completion, nil
}

// Flush implements the host Flush opcode: the max next-idle-time across
// every partition. The partitions share one timer, so repeated flushes
// with no intervening ops report the same time.
func (d *DFTL) Flush() uint64 {
	var max uint64
	for _, p := range d.partitions {
		max = maxU64(max, p.io.Flush())
	}
	return max
}

// MaybeWearLevel runs one wear-leveling pass per partition. It is a
// no-op unless wear leveling is enabled in config. Write itself runs a
// pass after foreground GC only when run_after_gc is also set.
func (d *DFTL) MaybeWearLevel(t0 uint64) error {
	for i, p := range d.partitions {
		if p.wl == nil {
			continue
		}
		if err := p.wl.RunPass(t0); err != nil {
			return fmt.Errorf("dftl: wear-level partition %d: %w", i, err)
		}
	}
	return nil
}

// CMTReport is one partition's CMT statistics, for PrintCmt.
type CMTReport struct {
	Partition int
	cmt.Stats
}

// PrintCmt surfaces CMT statistics for every partition.
func (d *DFTL) PrintCmt() []CMTReport {
	out := make([]CMTReport, len(d.partitions))
	for i, p := range d.partitions {
		out[i] = CMTReport{Partition: i, Stats: p.cmtbl.Stats()}
	}
	return out
}

// ECVerbosity selects PrintEc's level of detail.
type ECVerbosity int

const (
	ECTotalsOnly ECVerbosity = iota
	ECPools
	ECPoolsAndLines
)

// LineEC is one line's erase-count/effective-erase-count pair, with its
// pool tag and whether it is currently dedicated to translation pages.
type LineEC struct {
	ID          int
	EraseCnt    uint64
	EEC         uint64
	Pool        string
	Translation bool
}

// ECReport is one partition's erase-count report at the requested
// verbosity.
type ECReport struct {
	Partition     int
	TotalLines    int
	HotPoolCount  int
	ColdPoolCount int
	Lines         []LineEC // only populated at ECPoolsAndLines
}

// PrintEc surfaces per-line erase counts at the requested verbosity.
func (d *DFTL) PrintEc(verbosity ECVerbosity) []ECReport {
	out := make([]ECReport, len(d.partitions))
	for i, p := range d.partitions {
		r := ECReport{Partition: i, TotalLines: p.linesMgr.TotalLines()}
		if verbosity >= ECPools {
			r.HotPoolCount = p.linesMgr.HotPoolCount()
			r.ColdPoolCount = p.linesMgr.ColdPoolCount()
		}
		if verbosity >= ECPoolsAndLines {
			for id := 0; id < p.linesMgr.TotalLines(); id++ {
				l := p.linesMgr.Line(id)
				r.Lines = append(r.Lines, LineEC{ID: l.ID, EraseCnt: l.EraseCnt, EEC: l.EEC, Pool: l.Pool.String(), Translation: l.Translation})
			}
		}
		out[i] = r
	}
	return out
}
