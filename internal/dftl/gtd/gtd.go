// Package gtd implements the Global Translation Directory: a flat
// vpn -> PPA array. A flat array suffices since every translation page
// is the same size and the key space is dense.
package gtd

import "github.com/flashsim/dftl/internal/dftl/geometry"

// Directory is vpn -> ppa_of_translation_page.
type Directory struct {
	tbl []geometry.PPA
}

// New allocates a Directory sized for n translation pages, all UNMAPPED.
func New(n int) *Directory {
	return &Directory{tbl: make([]geometry.PPA, n)}
}

// Get returns the translation-page PPA for vpn, or UNMAPPED.
func (d *Directory) Get(vpn int64) geometry.PPA { return d.tbl[vpn] }

// Set records the translation-page PPA for vpn.
func (d *Directory) Set(vpn int64, ppa geometry.PPA) { d.tbl[vpn] = ppa }

// Len reports the directory's slot count (tt_tpgs).
func (d *Directory) Len() int { return len(d.tbl) }
