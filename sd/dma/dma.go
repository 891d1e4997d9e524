// Package dma builds descriptor chains for SD host controller DMA transfers.
// ADMA2 moves scatter-gather segments through a table of fixed-format
// descriptors. SDMA moves a single contiguous region per start and cannot
// cross a 512 KiB boundary.
package dma

import "errors"

// D is an ADMA2 descriptor in hardware format.
type D struct {
	Attrs uint32
	Addr  uint32
}

// Segment is one physically contiguous run of a transfer buffer.
type Segment struct {
	Addr uint32
	Len  uint32
}

// descriptor attribute bits

const (
	AttrValid     = 1 << 0 // descriptor may be processed
	AttrEnd       = 1 << 1 // last descriptor in the chain
	AttrInterrupt = 1 << 2 // raise an interrupt when this descriptor completes

	ActionNop      = 0 << 4
	ActionTransfer = 2 << 4
	ActionLink     = 3 << 4
	ActionMask     = 3 << 4

	lenShift = 16
)

// MaxDescLen is the most bytes one descriptor may move. The hardware limit
// is 0xFFFF; rounding down to a page keeps runs page-aligned.
const MaxDescLen = 0xF000

// SDMABoundary is the region size a single SDMA start may not cross.
const SDMABoundary = 0x80000

var (
	// ErrTableFull means the transfer needs more descriptors than the
	// table holds. Nothing is submitted to hardware in that case.
	ErrTableFull = errors.New("dma: descriptor table is full")

	// ErrArenaFull means an arena allocation request doesn't fit.
	ErrArenaFull = errors.New("dma: arena is full")
)

// Desc returns a transfer descriptor moving length bytes at addr.
// It panics if length is zero or exceeds MaxDescLen.
func Desc(addr, length uint32) D {
	if length == 0 || length > MaxDescLen {
		panic("dma: bad descriptor length")
	}

	return D{
		Attrs: AttrValid | ActionTransfer | length<<lenShift,
		Addr:  addr,
	}
}

// Len returns the descriptor's transfer length in bytes.
func (d D) Len() uint32 {
	return d.Attrs >> lenShift
}

// End reports whether the descriptor terminates its chain.
func (d D) End() bool {
	return d.Attrs&AttrEnd != 0
}

// Build fills table with an ADMA2 chain covering segs. Adjacent segments
// that are physically contiguous are coalesced before being split into
// max-sized runs (MaxDescLen if max is zero). The last descriptor gets the
// end and interrupt bits. Build fails with ErrTableFull before touching
// the table if the chain doesn't fit; it panics if segs is empty or a
// segment has zero length.
func Build(table []D, segs []Segment, max uint32) (n int, err error) {
	if max == 0 || max > MaxDescLen {
		max = MaxDescLen
	}

	if len(segs) == 0 {
		panic("dma: no segments")
	}

	if need(segs, max) > len(table) {
		return 0, ErrTableFull
	}

	emit := func(run Segment) {
		for run.Len > 0 {
			take := run.Len
			if take > max {
				take = max
			}

			table[n] = Desc(run.Addr, take)
			run.Addr += take
			run.Len -= take
			n++
		}
	}

	run := segs[0]
	for _, s := range segs[1:] {
		if run.Addr+run.Len == s.Addr {
			run.Len += s.Len
			continue
		}

		emit(run)
		run = s
	}

	emit(run)
	table[n-1].Attrs |= AttrEnd | AttrInterrupt
	return n, nil
}

func need(segs []Segment, max uint32) (n int) {
	var run uint32
	var addr uint32

	for i, s := range segs {
		if s.Len == 0 {
			panic("dma: empty segment")
		}

		if i > 0 && addr == s.Addr {
			run += s.Len
			addr += s.Len
			continue
		}

		n += int((run + max - 1) / max)
		run = s.Len
		addr = s.Addr + s.Len
	}

	return n + int((run+max-1)/max)
}

// SDMARun clamps a transfer starting at addr to the SDMA boundary.
// The returned size is the most bytes a single SDMA start may move.
func SDMARun(addr uint32, size int64) uint32 {
	room := int64(SDMABoundary - addr%SDMABoundary)
	if size < room {
		room = size
	}

	return uint32(room)
}
