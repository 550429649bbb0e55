package backing

import (
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"

	hgerrors "github.com/orizon-lang/heapguard/internal/errors"
)

// Layout constants for ArenaHeap.
const (
	minClassShift = 4  // 16 B
	maxClassShift = 16 // 64 KiB
	numClasses    = maxClassShift - minClassShift + 1

	// MaxSmallSize is the largest request served from a size-classed chunk.
	MaxSmallSize = 1 << maxClassShift

	chunkSize = 1 << 20
	pageSize  = 4096

	// maxRequest bounds a single mapping so size arithmetic cannot wrap.
	maxRequest = 1 << 46

	// DefaultArenas matches the narenas the heap is tuned for.
	DefaultArenas = 4

	registryShards = 32
)

func classFor(size uintptr) int {
	if size <= 1<<minClassShift {
		return 0
	}
	return bits.Len(uint(size-1)) - minClassShift
}

func classSize(class int) uintptr {
	return 1 << (class + minClassShift)
}

// chunk is a page-aligned mapping carved into equal slots of one size class.
type chunk struct {
	mem   []byte
	arena *arena
	class int
	slot  uintptr
	free  []uint32
	live  int
}

func (c *chunk) addr(i uint32) unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(&c.mem[0]), uintptr(i)*c.slot)
}

// span is a dedicated mapping for a large or over-aligned request.
type span struct {
	mem   []byte
	arena *arena
	off   uintptr
}

func (s *span) usable() uintptr {
	return uintptr(len(s.mem)) - s.off
}

type block struct {
	chunk *chunk
	slot  uint32
	span  *span
}

type registryShard struct {
	mu sync.RWMutex
	m  map[uintptr]block
}

// registry maps live addresses to their owning chunk slot or span.
type registry struct {
	shards [registryShards]registryShard
}

func (r *registry) init() {
	for i := range r.shards {
		r.shards[i].m = make(map[uintptr]block)
	}
}

func (r *registry) shard(addr uintptr) *registryShard {
	return &r.shards[(addr>>minClassShift)%registryShards]
}

func (r *registry) put(addr uintptr, b block) {
	s := r.shard(addr)
	s.mu.Lock()
	s.m[addr] = b
	s.mu.Unlock()
}

func (r *registry) get(addr uintptr) (block, bool) {
	s := r.shard(addr)
	s.mu.RLock()
	b, ok := s.m[addr]
	s.mu.RUnlock()
	return b, ok
}

func (r *registry) take(addr uintptr) (block, bool) {
	s := r.shard(addr)
	s.mu.Lock()
	b, ok := s.m[addr]
	if ok {
		delete(s.m, addr)
	}
	s.mu.Unlock()
	return b, ok
}

type bin struct {
	chunks  []*chunk
	nmalloc uint64
	ndalloc uint64
	curregs uint64
}

type arena struct {
	idx       int
	mu        sync.Mutex
	bins      [numClasses]bin
	spans     int
	spanBytes uintptr
	allocated uintptr
	mapped    uintptr
	purged    uint64
}

// chunkWithRoom returns a chunk of the class with a free slot, mapping a new
// one if needed. Caller holds a.mu.
func (a *arena) chunkWithRoom(class int) (*chunk, error) {
	b := &a.bins[class]
	for _, c := range b.chunks {
		if len(c.free) > 0 {
			return c, nil
		}
	}

	mem, err := mapPages(chunkSize)
	if err != nil {
		return nil, hgerrors.MappingFailed(chunkSize, err)
	}

	slot := classSize(class)
	n := uint32(chunkSize / slot)
	c := &chunk{mem: mem, arena: a, class: class, slot: slot, free: make([]uint32, n)}
	// Pop order hands out ascending addresses.
	for i := range c.free {
		c.free[i] = n - 1 - uint32(i)
	}
	b.chunks = append(b.chunks, c)
	a.mapped += chunkSize
	return c, nil
}

// ArenaHeap is a size-classed allocator over pages mapped outside the Go heap.
// It is safe for concurrent use; requests are spread round-robin over arenas.
type ArenaHeap struct {
	arenas []*arena
	next   atomic.Uint32
	reg    registry
	logger *zap.Logger
}

// ArenaOption configures an ArenaHeap.
type ArenaOption func(*ArenaHeap)

// WithArenas sets the arena count. Values below one are raised to one.
func WithArenas(n int) ArenaOption {
	return func(h *ArenaHeap) {
		if n < 1 {
			n = 1
		}
		h.arenas = make([]*arena, n)
	}
}

func WithArenaLogger(l *zap.Logger) ArenaOption {
	return func(h *ArenaHeap) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewArenaHeap creates an arena heap with DefaultArenas arenas unless configured otherwise.
func NewArenaHeap(opts ...ArenaOption) *ArenaHeap {
	h := &ArenaHeap{
		arenas: make([]*arena, DefaultArenas),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	for i := range h.arenas {
		h.arenas[i] = &arena{idx: i}
	}
	h.reg.init()
	return h
}

var _ Heap = (*ArenaHeap)(nil)

func (h *ArenaHeap) pick() *arena {
	n := h.next.Add(1) - 1
	return h.arenas[int(n%uint32(len(h.arenas)))]
}

// Allocate returns a block of at least size bytes. A zero size still yields
// a distinct, freeable block from the smallest class.
func (h *ArenaHeap) Allocate(size uintptr) unsafe.Pointer {
	if size > MaxSmallSize {
		return h.allocSpan(size, pageSize)
	}
	return h.allocSmall(classFor(size))
}

// AllocateAligned returns nil for alignments that are not powers of two.
func (h *ArenaHeap) AllocateAligned(align, size uintptr) unsafe.Pointer {
	if !isPow2(align) {
		return nil
	}
	// Chunks are page aligned and slots are power-of-two sized, so any slot at
	// least align bytes wide is align-aligned for align up to a page.
	if align <= pageSize && size <= MaxSmallSize {
		need := size
		if need < align {
			need = align
		}
		return h.allocSmall(classFor(need))
	}
	return h.allocSpan(size, align)
}

func (h *ArenaHeap) allocSmall(class int) unsafe.Pointer {
	a := h.pick()

	a.mu.Lock()
	c, err := a.chunkWithRoom(class)
	if err != nil {
		a.mu.Unlock()
		h.logger.Warn("chunk mapping failed", zap.Int("arena", a.idx), zap.Error(err))
		return nil
	}
	slot := c.free[len(c.free)-1]
	c.free = c.free[:len(c.free)-1]
	c.live++
	b := &a.bins[class]
	b.nmalloc++
	b.curregs++
	a.allocated += c.slot
	a.mu.Unlock()

	ptr := c.addr(slot)
	h.reg.put(uintptr(ptr), block{chunk: c, slot: slot})
	return ptr
}

func (h *ArenaHeap) allocSpan(size, align uintptr) unsafe.Pointer {
	if size > maxRequest || align > maxRequest {
		return nil
	}
	if align < pageSize {
		align = pageSize
	}
	total := alignUp(size, pageSize)
	if align > pageSize {
		total += align
	}

	mem, err := mapPages(total)
	if err != nil {
		h.logger.Warn("span mapping failed", zap.Uintptr("size", total), zap.Error(err))
		return nil
	}
	base := uintptr(unsafe.Pointer(&mem[0]))
	s := &span{mem: mem, off: alignUp(base, align) - base}

	a := h.pick()
	a.mu.Lock()
	s.arena = a
	a.spans++
	a.spanBytes += s.usable()
	a.allocated += s.usable()
	a.mapped += total
	a.mu.Unlock()

	ptr := unsafe.Add(unsafe.Pointer(&mem[0]), s.off)
	h.reg.put(uintptr(ptr), block{span: s})
	return ptr
}

// Free releases ptr. Freeing an address this heap never returned, or one that
// was already freed, panics.
func (h *ArenaHeap) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	b, ok := h.reg.take(uintptr(ptr))
	if !ok {
		panic(fmt.Sprintf("backing: free of unknown pointer %p", ptr))
	}
	if b.span != nil {
		h.freeSpan(b.span)
		return
	}

	c := b.chunk
	a := c.arena
	a.mu.Lock()
	c.free = append(c.free, b.slot)
	c.live--
	bn := &a.bins[c.class]
	bn.ndalloc++
	bn.curregs--
	a.allocated -= c.slot
	a.mu.Unlock()
}

func (h *ArenaHeap) freeSpan(s *span) {
	a := s.arena
	a.mu.Lock()
	a.spans--
	a.spanBytes -= s.usable()
	a.allocated -= s.usable()
	a.mapped -= uintptr(len(s.mem))
	a.mu.Unlock()

	if err := unmapPages(s.mem); err != nil {
		h.logger.Warn("span unmap failed", zap.Int("size", len(s.mem)), zap.Error(err))
	}
}

// Resize keeps ptr when the new size still fits its slot without wasting more
// than half of it; otherwise it moves the data.
func (h *ArenaHeap) Resize(ptr unsafe.Pointer, size uintptr) unsafe.Pointer {
	if ptr == nil {
		return h.Allocate(size)
	}
	if size == 0 {
		h.Free(ptr)
		return nil
	}

	old := h.UsableSize(ptr)
	if size <= old && size > old/2 {
		return ptr
	}

	nptr := h.Allocate(size)
	if nptr == nil {
		return nil
	}
	n := old
	if size < n {
		n = size
	}
	copyMemory(nptr, ptr, n)
	h.Free(ptr)
	return nptr
}

// UsableSize returns 0 for addresses the heap does not own.
func (h *ArenaHeap) UsableSize(ptr unsafe.Pointer) uintptr {
	b, ok := h.reg.get(uintptr(ptr))
	if !ok {
		return 0
	}
	if b.span != nil {
		return b.span.usable()
	}
	return b.chunk.slot
}

// purge unmaps every chunk of a that has no live slot and returns the bytes released.
func (h *ArenaHeap) purge(a *arena) uintptr {
	var victims [][]byte

	a.mu.Lock()
	for i := range a.bins {
		b := &a.bins[i]
		kept := b.chunks[:0]
		for _, c := range b.chunks {
			if c.live == 0 {
				victims = append(victims, c.mem)
				continue
			}
			kept = append(kept, c)
		}
		for j := len(kept); j < len(b.chunks); j++ {
			b.chunks[j] = nil
		}
		b.chunks = kept
	}
	released := uintptr(len(victims)) * chunkSize
	a.mapped -= released
	a.purged += uint64(released)
	a.mu.Unlock()

	for _, mem := range victims {
		if err := unmapPages(mem); err != nil {
			h.logger.Warn("chunk unmap failed", zap.Int("arena", a.idx), zap.Error(err))
		}
	}
	return released
}

// CtlSet understands "arena.<i>.purge"; i equal to the arena count purges all arenas.
func (h *ArenaHeap) CtlSet(name string) error {
	idx, ok := parsePurgeCtl(name)
	if !ok || idx > len(h.arenas) {
		return unknownCtl(name)
	}

	var released uintptr
	if idx == len(h.arenas) {
		for _, a := range h.arenas {
			released += h.purge(a)
		}
	} else {
		released = h.purge(h.arenas[idx])
	}
	h.logger.Debug("arena purge", zap.String("ctl", name), zap.Uintptr("released", released))
	return nil
}

func (h *ArenaHeap) CtlGet(name string) (uint64, error) {
	switch name {
	case CtlArenasNArenas, CtlOptNArenas:
		return uint64(len(h.arenas)), nil
	}

	t := h.merged()
	switch name {
	case CtlStatsAlloc:
		return uint64(t.allocated), nil
	case CtlStatsActive:
		return uint64(t.active), nil
	case CtlStatsMapped:
		return uint64(t.mapped), nil
	case CtlStatsRetained:
		return uint64(t.retained), nil
	case CtlStatsPurged:
		return t.purged, nil
	default:
		return 0, unknownCtl(name)
	}
}
