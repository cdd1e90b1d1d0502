package super

import (
	"github.com/minfs/minfs/common"
	"github.com/minfs/minfs/merr"
)

var errNoGrowthFixedLayout = merr.Wrap(merr.ErrInvalidArgs, "fixed-layout volumes cannot grow")

// Layout abstracts where each region starts, so the block-pointer tree,
// allocators, and journal never branch on raw-device-vs-sliced-volume
// (spec.md §9 "capture as a trait/interface exposing region_start").
type Layout interface {
	BitmapBlockStart() common.Bnum
	InodeBitmapStart() common.Bnum
	InodeTableStart() common.Bnum
	JournalStart() common.Bnum
	DataStart() common.Bnum
	// GrowSlices extends the data region by n slices; the fixed-layout
	// backend rejects any growth with merr.ErrInvalidArgs.
	GrowSlices(n uint64) error
}

// FixedLayout is the non-sliced backend: region starts come straight from
// the loaded superblock, matching the teacher's FsSuper arithmetic
// (BitmapBlockStart/BitmapInodeStart/InodeStart/DataStart).
type FixedLayout struct {
	SB *Superblock
}

func (l *FixedLayout) BitmapBlockStart() common.Bnum { return common.Bnum(l.SB.BitmapBlockStart) }
func (l *FixedLayout) InodeBitmapStart() common.Bnum { return common.Bnum(l.SB.InodeBitmapStart) }
func (l *FixedLayout) InodeTableStart() common.Bnum  { return common.Bnum(l.SB.InodeTableStart) }
func (l *FixedLayout) JournalStart() common.Bnum     { return common.Bnum(l.SB.JournalStart) }
func (l *FixedLayout) DataStart() common.Bnum        { return common.Bnum(l.SB.DataStart) }

func (l *FixedLayout) GrowSlices(n uint64) error {
	return errNoGrowthFixedLayout
}

// SlicedLayout backs a volume that allocates space in fixed-size slices and
// can grow the data region on demand (spec.md GLOSSARY "Sliced volume").
// Region starts are read from the superblock fields, as FixedLayout reads
// them; no slice-aligned constants are computed. Only the data region's
// capacity grows.
type SlicedLayout struct {
	SB          *Superblock
	growSlices  func(n uint64) error // delegates to the volume manager
	dataSlices  uint64
}

func NewSlicedLayout(sb *Superblock, grow func(n uint64) error) *SlicedLayout {
	return &SlicedLayout{SB: sb, growSlices: grow, dataSlices: sb.DataSlices}
}

func (l *SlicedLayout) BitmapBlockStart() common.Bnum { return common.Bnum(l.SB.BitmapBlockStart) }
func (l *SlicedLayout) InodeBitmapStart() common.Bnum { return common.Bnum(l.SB.InodeBitmapStart) }
func (l *SlicedLayout) InodeTableStart() common.Bnum  { return common.Bnum(l.SB.InodeTableStart) }
func (l *SlicedLayout) JournalStart() common.Bnum     { return common.Bnum(l.SB.JournalStart) }
func (l *SlicedLayout) DataStart() common.Bnum        { return common.Bnum(l.SB.DataStart) }

func (l *SlicedLayout) GrowSlices(n uint64) error {
	if l.growSlices == nil {
		return errNoGrowthFixedLayout
	}
	if err := l.growSlices(n); err != nil {
		return err
	}
	l.dataSlices += n
	l.SB.DataSlices = l.dataSlices
	l.SB.BlockCount += n * l.SB.SliceSize
	UpdateChecksum(l.SB)
	return nil
}
