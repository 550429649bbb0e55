package backing

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/dustin/go-humanize"
)

// goBlock keeps the Go slice behind an allocation reachable. room is the
// number of bytes from the returned address to the end of buf.
type goBlock struct {
	buf    []byte
	room   uintptr
	usable uintptr
}

// GoHeap is a Heap on top of Go's own allocator. Every allocation is a byte
// slice pinned in a map until freed; the collector never moves it.
// Usable sizes are exact: UsableSize reports precisely the requested size.
type GoHeap struct {
	alignment uintptr
	limit     uintptr

	mu     sync.RWMutex
	blocks map[unsafe.Pointer]goBlock

	// used is the number of bytes in use. It is reserved before a block is
	// created so concurrent requests cannot overshoot limit together.
	used atomic.Uint64

	totalAllocated  atomic.Uint64
	totalFreed      atomic.Uint64
	allocationCount atomic.Uint64
	freeCount       atomic.Uint64
	purges          atomic.Uint64
}

// NewGoHeap creates a Go-backed heap. A non-zero limit caps bytes in use;
// requests beyond it fail with nil, which is handy for exercising failure paths.
func NewGoHeap(limit uintptr) *GoHeap {
	return &GoHeap{
		alignment: 8,
		limit:     limit,
		blocks:    make(map[unsafe.Pointer]goBlock),
	}
}

var _ Heap = (*GoHeap)(nil)

func (g *GoHeap) inUse() uint64 {
	return g.used.Load()
}

// reserve accounts n more bytes in use, failing when that would pass limit.
func (g *GoHeap) reserve(n uint64) bool {
	if g.limit == 0 {
		g.used.Add(n)
		return true
	}
	for {
		cur := g.used.Load()
		if cur+n < cur || cur+n > uint64(g.limit) {
			return false
		}
		if g.used.CompareAndSwap(cur, cur+n) {
			return true
		}
	}
}

func (g *GoHeap) unreserve(n uint64) {
	g.used.Add(^(n - 1))
}

func (g *GoHeap) Allocate(size uintptr) unsafe.Pointer {
	return g.AllocateAligned(g.alignment, size)
}

func (g *GoHeap) AllocateAligned(align, size uintptr) unsafe.Pointer {
	if !isPow2(align) || size > maxRequest || align > maxRequest {
		return nil
	}
	if align < g.alignment {
		align = g.alignment
	}
	if !g.reserve(uint64(size)) {
		return nil
	}

	// One spare byte keeps zero-size blocks distinct.
	n := alignUp(size+1, g.alignment)
	buf := make([]byte, n+align-1)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	off := alignUp(addr, align) - addr
	ptr := unsafe.Pointer(&buf[off])

	g.mu.Lock()
	g.blocks[ptr] = goBlock{buf: buf, room: uintptr(len(buf)) - off, usable: size}
	g.mu.Unlock()

	g.totalAllocated.Add(uint64(size))
	g.allocationCount.Add(1)
	return ptr
}

func (g *GoHeap) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	g.mu.Lock()
	b, ok := g.blocks[ptr]
	delete(g.blocks, ptr)
	g.mu.Unlock()

	if !ok {
		panic(fmt.Sprintf("backing: free of unknown pointer %p", ptr))
	}
	g.unreserve(uint64(b.usable))
	g.totalFreed.Add(uint64(b.usable))
	g.freeCount.Add(1)
}

func (g *GoHeap) Resize(ptr unsafe.Pointer, size uintptr) unsafe.Pointer {
	if ptr == nil {
		return g.Allocate(size)
	}
	if size == 0 {
		g.Free(ptr)
		return nil
	}

	g.mu.Lock()
	b, ok := g.blocks[ptr]
	if !ok {
		g.mu.Unlock()
		panic(fmt.Sprintf("backing: resize of unknown pointer %p", ptr))
	}
	if size < b.room && (size <= b.usable || g.reserve(uint64(size-b.usable))) {
		if size < b.usable {
			g.unreserve(uint64(b.usable - size))
		}
		g.blocks[ptr] = goBlock{buf: b.buf, room: b.room, usable: size}
		g.mu.Unlock()
		g.totalFreed.Add(uint64(b.usable))
		g.totalAllocated.Add(uint64(size))
		return ptr
	}
	g.mu.Unlock()
	old := b.usable

	nptr := g.Allocate(size)
	if nptr == nil {
		return nil
	}
	copyMemory(nptr, ptr, old)
	g.Free(ptr)
	return nptr
}

func (g *GoHeap) UsableSize(ptr unsafe.Pointer) uintptr {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.blocks[ptr].usable
}

func (g *GoHeap) StatsPrint(write func(string), opts string) {
	write("___ Begin heapguard go heap statistics ___\n")

	if !omits(opts, StatsOmitGeneral) {
		write("Arenas: 1\n")
		write(fmt.Sprintf("Alignment: %d, limit: %s\n", g.alignment, limitString(g.limit)))
		write(fmt.Sprintf("Allocated: %s, freed: %s, in use: %s\n",
			humanize.IBytes(g.totalAllocated.Load()), humanize.IBytes(g.totalFreed.Load()),
			humanize.IBytes(g.inUse())))
	}

	if !omits(opts, StatsOmitMerged) {
		g.mu.RLock()
		live := len(g.blocks)
		g.mu.RUnlock()
		write("Merged arenas stats:\n")
		write(fmt.Sprintf("  nmalloc: %d  ndalloc: %d  live: %d  purges: %d\n",
			g.allocationCount.Load(), g.freeCount.Load(), live, g.purges.Load()))

		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		write(fmt.Sprintf("  runtime: heap_inuse %s  heap_released %s  sys %s\n",
			humanize.IBytes(m.HeapInuse), humanize.IBytes(m.HeapReleased), humanize.IBytes(m.Sys)))
	}

	write("--- End heapguard go heap statistics ---\n")
}

func limitString(limit uintptr) string {
	if limit == 0 {
		return "none"
	}
	return humanize.IBytes(uint64(limit))
}

func (g *GoHeap) CtlGet(name string) (uint64, error) {
	switch name {
	case CtlArenasNArenas, CtlOptNArenas:
		return 1, nil
	case CtlStatsAlloc, CtlStatsActive:
		return g.inUse(), nil
	case CtlStatsMapped:
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		return m.HeapSys, nil
	case CtlStatsPurged:
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		return m.HeapReleased, nil
	case CtlStatsRetained:
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		return m.HeapIdle - m.HeapReleased, nil
	default:
		return 0, unknownCtl(name)
	}
}

// CtlSet accepts "arena.0.purge" and the all-arenas form "arena.1.purge";
// both hand free pages back to the OS through the Go runtime.
func (g *GoHeap) CtlSet(name string) error {
	idx, ok := parsePurgeCtl(name)
	if !ok || idx > 1 {
		return unknownCtl(name)
	}
	debug.FreeOSMemory()
	g.purges.Add(1)
	return nil
}
