package allocator

import (
	"math/bits"
	"sync"
	"unsafe"

	"github.com/orizon-lang/heapguard/internal/backing"
	"github.com/orizon-lang/heapguard/internal/logging"
	"github.com/orizon-lang/heapguard/internal/tracker"
)

var (
	global     *Allocator
	globalOnce sync.Once
	globalMu   sync.RWMutex
)

// Default returns the process allocator. Unless Initialize ran first, it is
// built on first use over an ArenaHeap and the process ledger.
func Default() *Allocator {
	globalOnce.Do(func() {
		globalMu.Lock()
		defer globalMu.Unlock()
		if global == nil {
			logger := logging.Logger()
			global = New(backing.NewArenaHeap(backing.WithArenaLogger(logger)), WithLogger(logger))
		}
	})
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

// Initialize replaces the process allocator. Blocks obtained from the
// previous one must still be released through it.
func Initialize(heap backing.Heap, options ...Option) *Allocator {
	a := New(heap, options...)
	globalMu.Lock()
	global = a
	globalMu.Unlock()
	globalOnce.Do(func() {})
	return a
}

// site captures the call site skip frames above its caller, or nothing when
// the ledger is off.
func (a *Allocator) site(skip int) tracker.CallSite {
	if !a.track {
		return tracker.CallSite{}
	}
	return tracker.Caller(skip + 1)
}

// Alloc is AllocBytes with the caller as call site.
func (a *Allocator) Alloc(count uintptr) unsafe.Pointer {
	return a.AllocBytes(count, a.site(1))
}

// Realloc is ReallocBytes with the caller as call site.
func (a *Allocator) Realloc(ptr unsafe.Pointer, count uintptr) unsafe.Pointer {
	return a.ReallocBytes(ptr, count, a.site(1))
}

// AllocAligned is AllocBytesAligned with the caller as call site.
func (a *Allocator) AllocAligned(align, count uintptr) unsafe.Pointer {
	return a.AllocBytesAligned(align, count, a.site(1))
}

// AllocArray allocates room for count elements of elemSize bytes. It
// returns nil when count is not positive or the total overflows.
func (a *Allocator) AllocArray(elemSize uintptr, count int) unsafe.Pointer {
	if count <= 0 {
		return nil
	}
	hi, total := bits.Mul(uint(elemSize), uint(count))
	if hi != 0 {
		return nil
	}
	return a.AllocBytes(uintptr(total), a.site(1))
}

func (a *Allocator) Free(ptr unsafe.Pointer) {
	a.DeallocBytes(ptr)
}

// Global allocation functions for convenience.

// Alloc allocates from the process allocator.
func Alloc(count uintptr) unsafe.Pointer {
	a := Default()
	return a.AllocBytes(count, a.site(1))
}

// Realloc resizes a block of the process allocator.
func Realloc(ptr unsafe.Pointer, count uintptr) unsafe.Pointer {
	a := Default()
	return a.ReallocBytes(ptr, count, a.site(1))
}

// AllocAligned allocates an aligned block from the process allocator.
func AllocAligned(align, count uintptr) unsafe.Pointer {
	a := Default()
	return a.AllocBytesAligned(align, count, a.site(1))
}

// Free releases a block of the process allocator.
func Free(ptr unsafe.Pointer) {
	Default().DeallocBytes(ptr)
}

// DumpStats writes the process allocator's report into buf.
func DumpStats(buf []byte) int {
	return Default().DumpStats(buf)
}

// TrimAlloc trims the process allocator's heap.
func TrimAlloc() {
	Default().TrimAlloc()
}
