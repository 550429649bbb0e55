// Package guard places and validates the trailing canary tag of every
// instrumented allocation. It is the only place in heapguard that reads or
// writes allocation memory on its own behalf.
//
// The tag lives in the last TagWidth bytes of the allocation's usable region,
// i.e. at offset UsableSize(ptr) - TagWidth. Callers over-allocate by TagWidth
// so the tag never overlaps the bytes they asked for. How tightly an overrun is
// caught therefore depends on how closely the backing heap's usable size
// matches the padded request.
package guard

import (
	"encoding/binary"
	"unsafe"

	"go.uber.org/zap"

	hgerrors "github.com/orizon-lang/heapguard/internal/errors"
)

const (
	// TagWidth is the number of bytes the canary occupies.
	TagWidth = 4
	// Tag is the canary value, stored little-endian.
	Tag uint32 = 0x20170719
)

// Sizer reports the usable size of a live allocation.
type Sizer interface {
	UsableSize(ptr unsafe.Pointer) uintptr
}

// Guard stamps and checks canaries for allocations of one heap.
type Guard struct {
	heap   Sizer
	logger *zap.Logger
}

// New returns a guard for heap. A canary mismatch is reported through
// logger.Fatal, which terminates the process unless the logger was built
// with a different fatal hook.
func New(heap Sizer, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{heap: heap, logger: logger}
}

// Stamp writes the canary at the end of ptr's usable region.
func (g *Guard) Stamp(ptr unsafe.Pointer) {
	tag, _ := g.tag(ptr)
	binary.LittleEndian.PutUint32(tag, Tag)
}

// Check validates the canary written by Stamp. It does not return on mismatch.
func (g *Guard) Check(ptr unsafe.Pointer) {
	tag, usable := g.tag(ptr)
	if got := binary.LittleEndian.Uint32(tag); got != Tag {
		g.corrupted(ptr, usable, got)
	}
}

// tag returns the TagWidth bytes holding the canary.
// Invariant: the slice lies entirely inside [ptr, ptr+usable).
func (g *Guard) tag(ptr unsafe.Pointer) ([]byte, uintptr) {
	usable := g.heap.UsableSize(ptr)
	if usable < TagWidth {
		g.logger.Fatal("allocation smaller than canary",
			zap.Uintptr("ptr", uintptr(ptr)),
			zap.Uintptr("usable", usable))
		panic("guard: allocation smaller than canary")
	}
	return unsafe.Slice((*byte)(unsafe.Add(ptr, usable-TagWidth)), TagWidth), usable
}

func (g *Guard) corrupted(ptr unsafe.Pointer, usable uintptr, got uint32) {
	err := hgerrors.HeapCorruption(uintptr(ptr), usable-TagWidth, Tag, got)
	g.logger.Fatal("heap corruption detected",
		zap.Uintptr("ptr", uintptr(ptr)),
		zap.Uintptr("usable", usable),
		zap.Error(err))
	// A custom fatal hook may return; execution must still not continue.
	panic(err)
}
