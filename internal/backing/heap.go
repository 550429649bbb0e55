// Package backing provides the general-purpose allocators that the heapguard
// facade instruments. The facade only depends on the Heap capability; the
// concrete heaps exist so the facade has something real to sit on.
package backing

import (
	"fmt"
	"strconv"
	"strings"
	"unsafe"

	hgerrors "github.com/orizon-lang/heapguard/internal/errors"
)

// Heap is the backing allocator capability consumed by the facade.
type Heap interface {
	// Allocate returns at least size usable bytes, or nil.
	Allocate(size uintptr) unsafe.Pointer
	// AllocateAligned returns at least size usable bytes aligned to align, or nil.
	// align must be a power of two.
	AllocateAligned(align, size uintptr) unsafe.Pointer
	// Resize has realloc semantics and may return ptr unchanged.
	Resize(ptr unsafe.Pointer, size uintptr) unsafe.Pointer
	Free(ptr unsafe.Pointer)
	// UsableSize reports the real capacity of a live allocation.
	UsableSize(ptr unsafe.Pointer) uintptr
	// StatsPrint streams a human readable report through write, one fragment
	// per call. opts letters omit sections, see the Stats* constants.
	StatsPrint(write func(string), opts string)
	CtlGet(name string) (uint64, error)
	CtlSet(name string) error
}

// Control names understood by CtlGet.
const (
	CtlArenasNArenas = "arenas.narenas"
	CtlOptNArenas    = "opt.narenas"
	CtlStatsAlloc    = "stats.allocated"
	CtlStatsActive   = "stats.active"
	CtlStatsMapped   = "stats.mapped"
	CtlStatsPurged   = "stats.purged"
	// CtlStatsRetained is mapped memory holding no live allocation, i.e. what
	// a purge could give back.
	CtlStatsRetained = "stats.retained"
)

// Report section switches for StatsPrint.
const (
	StatsOmitGeneral  = 'g'
	StatsOmitMerged   = 'm'
	StatsOmitPerArena = 'a'
	StatsOmitBins     = 'b'
)

// PurgeCtl returns the control name that purges arena idx. Passing the arena
// count addresses every arena at once.
func PurgeCtl(idx int) string {
	return fmt.Sprintf("arena.%d.purge", idx)
}

// parsePurgeCtl extracts the arena index from an "arena.<i>.purge" name.
func parsePurgeCtl(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, "arena.")
	if !ok {
		return 0, false
	}
	idx, ok := strings.CutSuffix(rest, ".purge")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(idx)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func unknownCtl(name string) error {
	return hgerrors.UnknownControl(name)
}

func omits(opts string, section rune) bool {
	return strings.ContainsRune(opts, section)
}

// alignUp aligns a size up to the nearest multiple of alignment.
func alignUp(size, alignment uintptr) uintptr {
	return (size + alignment - 1) &^ (alignment - 1)
}

func isPow2(v uintptr) bool {
	return v != 0 && v&(v-1) == 0
}

// copyMemory copies size bytes from src to dst.
func copyMemory(dst, src unsafe.Pointer, size uintptr) {
	if size == 0 {
		return
	}
	copy(unsafe.Slice((*byte)(dst), size), unsafe.Slice((*byte)(src), size))
}
