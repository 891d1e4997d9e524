package dma

import "unsafe"

// Arena is a bump allocator over a bus-addressable memory region. Offsets
// into the buffer map 1:1 onto bus addresses starting at base, so the same
// arena can back descriptor tables on the host side and descriptor walks
// on a device model.
type Arena struct {
	base uint32
	buf  []byte
	off  int
}

// NewArena returns an arena over buf whose first byte has bus address base.
func NewArena(base uint32, buf []byte) *Arena {
	return &Arena{base: base, buf: buf}
}

// Base returns the bus address of the arena's first byte.
func (a *Arena) Base() uint32 {
	return a.base
}

// Alloc reserves size bytes aligned to align and returns the reservation's
// bus address and backing bytes. Reservations are permanent.
func (a *Arena) Alloc(size, align int) (addr uint32, b []byte, err error) {
	off := a.off
	if align > 1 {
		off = (off + align - 1) &^ (align - 1)
	}

	if off+size > len(a.buf) {
		return 0, nil, ErrArenaFull
	}

	a.off = off + size
	return a.base + uint32(off), a.buf[off : off+size : off+size], nil
}

// AllocTable reserves an 8-byte-aligned descriptor table with room for
// count descriptors.
func (a *Arena) AllocTable(count int) (addr uint32, table []D, err error) {
	addr, b, err := a.Alloc(count*8, 8)
	if err != nil {
		return 0, nil, err
	}

	table = unsafe.Slice((*D)(unsafe.Pointer(&b[0])), count)
	return addr, table, nil
}

// At returns the size bytes of arena memory at bus address addr, or nil if
// the range falls outside the arena.
func (a *Arena) At(addr uint32, size int) []byte {
	off := int64(addr) - int64(a.base)
	if off < 0 || off+int64(size) > int64(len(a.buf)) {
		return nil
	}

	return a.buf[off : off+int64(size)]
}
