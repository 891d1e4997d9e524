package sdhc

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MappedWindow is a register window mapped from a device file, such as a
// UIO region or /dev/mem. Accesses are 32-bit and uncached as far as the
// Go side is concerned; the mapping must point at device memory.
type MappedWindow struct {
	f   *os.File
	mem []byte
}

// MapWindow maps one controller register window from the file at path,
// starting at the given page-aligned offset.
func MapWindow(path string, offset int64) (*MappedWindow, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, err
	}

	mem, err := unix.Mmap(int(f.Fd()), offset, WindowSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)

	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap %s at %#x: %w", path, offset, err)
	}

	return &MappedWindow{f: f, mem: mem}, nil
}

func (w *MappedWindow) Read4(off int) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&w.mem[off])))
}

func (w *MappedWindow) Write4(off int, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&w.mem[off])), v)
}

// Close unmaps the window and closes the backing file.
func (w *MappedWindow) Close() error {
	err := unix.Munmap(w.mem)
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}

	return err
}
