// Package pageops centralizes the page mark-valid/mark-invalid
// operations that must keep the NAND mirror and the owning line's
// aggregate counters (and victim-PQ membership) coherent together. Every
// other component performs Free->Valid and Valid->Invalid through these
// two functions rather than calling nand.Mirror directly, so the
// line-level counters track the page-level state. Block erase
// (Invalid->Free) is not covered here: GC calls nand.Mirror.EraseBlock
// and then lines.Manager.MarkLineFree.
package pageops

import (
	"github.com/flashsim/dftl/internal/dftl/geometry"
	"github.com/flashsim/dftl/internal/dftl/lines"
	"github.com/flashsim/dftl/internal/dftl/nand"
)

// MarkValid transitions ppa Free->Valid and increments its owning line's
// VPC.
func MarkValid(mirror *nand.Mirror, lm *lines.Manager, ppa geometry.PPA, translation bool) error {
	if err := mirror.MarkValid(ppa, translation); err != nil {
		return err
	}
	lm.Line(ppa.Blk).VPC++
	return nil
}

// MarkInvalid transitions ppa Valid->Invalid, adjusts its owning line's
// VPC/IPC, and reacts to the line becoming reclaimable or its victim-PQ
// priority changing.
func MarkInvalid(mirror *nand.Mirror, lm *lines.Manager, ppa geometry.PPA) error {
	if err := mirror.MarkInvalid(ppa); err != nil {
		return err
	}
	line := lm.Line(ppa.Blk)
	line.VPC--
	line.IPC++
	lm.OnPageInvalidated(line)
	return nil
}
