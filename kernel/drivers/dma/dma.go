// Package dma manages kernel-owned buffers suitable for handing to busy
// devices: physically contiguous, alignment-guaranteed, and optionally
// restricted to the 24-bit ISA DMA range. AHCI command structures and
// received-FIS buffers are allocated from the default pool.
package dma

import (
	"github.com/corvus-os/corvus/kernel"
	"github.com/corvus-os/corvus/kernel/hal/heap"
	"github.com/corvus-os/corvus/kernel/mem"
	"github.com/corvus-os/corvus/kernel/sync"
)

// Capacity bounds the number of simultaneously live buffers a Pool will
// track.
const Capacity = 128

// isaDMALimit is the highest physical address reachable by legacy ISA DMA
// (24 address lines).
const isaDMALimit = uintptr(1) << 24

// isaDMAPageSize is the 64KiB boundary a single ISA DMA transfer may not
// cross: the legacy DMA controller's address/count registers wrap within a
// page rather than carrying into the next one.
const isaDMAPageSize = uintptr(1) << 16

// Buffer describes one DMA-capable allocation.
type Buffer struct {
	// Addr is the aligned address handed to the device/driver.
	Addr uintptr
	// Size is the usable size in bytes, as requested by the caller.
	Size mem.Size

	// rawPtr is the unaligned allocation backing Addr, as returned by
	// heap.Alloc. Tracking it (rather than discarding it once Addr is
	// computed) is what lets Free hand the memory back to the heap
	// allocator instead of leaking it.
	rawPtr uintptr

	inUse bool
}

// Pool manages a fixed-capacity set of DMA buffer slots.
type Pool struct {
	mu      sync.Spinlock
	buffers [Capacity]Buffer
}

// DefaultPool is the package-level DMA pool used by drivers that do not
// need an isolated allocation domain.
var DefaultPool Pool

var (
	errPoolExhausted  = &kernel.Error{Module: "dma", Message: "DMA pool exhausted"}
	errBadAlignment   = &kernel.Error{Module: "dma", Message: "alignment must be a power of two"}
	errISARegionFull  = &kernel.Error{Module: "dma", Message: "no ISA-capable (<16MiB) memory available"}
	errISAPageCrossed = &kernel.Error{Module: "dma", Message: "ISA DMA buffer crosses a 64KiB page boundary"}

	allocFn = heap.Alloc
	freeFn  = heap.Free
)

// Alloc reserves a buffer of at least size bytes, aligned to alignment
// (which must be a power of two), optionally restricted to the 24-bit ISA
// DMA address range.
func (p *Pool) Alloc(size mem.Size, alignment uintptr, isaCapable bool) (*Buffer, *kernel.Error) {
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return nil, errBadAlignment
	}

	p.mu.Acquire()
	defer p.mu.Release()

	slot := p.findFreeSlot()
	if slot == nil {
		return nil, errPoolExhausted
	}

	raw := allocFn(size + mem.Size(alignment))
	if raw == 0 {
		return nil, errPoolExhausted
	}

	aligned := (raw + alignment - 1) &^ (alignment - 1)

	if isaCapable {
		if aligned+uintptr(size) > isaDMALimit {
			freeFn(raw)
			return nil, errISARegionFull
		}
		if (aligned&(isaDMAPageSize-1))+uintptr(size) > isaDMAPageSize {
			freeFn(raw)
			return nil, errISAPageCrossed
		}
	}

	slot.Addr = aligned
	slot.Size = size
	slot.rawPtr = raw
	slot.inUse = true

	return slot, nil
}

func (p *Pool) findFreeSlot() *Buffer {
	for i := range p.buffers {
		if !p.buffers[i].inUse {
			return &p.buffers[i]
		}
	}
	return nil
}

// Free releases buf back to the pool and to the underlying heap allocator.
// Calling Free on a buffer not owned by p, or twice on the same buffer, is
// a caller error and has no effect.
func (p *Pool) Free(buf *Buffer) {
	if buf == nil || !buf.inUse {
		return
	}

	p.mu.Acquire()
	defer p.mu.Release()

	for i := range p.buffers {
		if &p.buffers[i] == buf {
			freeFn(buf.rawPtr)
			*buf = Buffer{}
			return
		}
	}
}

// IsValid reports whether buf currently refers to a live allocation owned
// by this pool.
func (p *Pool) IsValid(buf *Buffer) bool {
	if buf == nil {
		return false
	}

	p.mu.Acquire()
	defer p.mu.Release()

	for i := range p.buffers {
		if &p.buffers[i] == buf {
			return buf.inUse
		}
	}
	return false
}
