// Package allocator is the instrumented allocation facade of heapguard.
// Every request is forwarded to a backing heap; when enabled, each block is
// padded with a trailing canary and recorded in an allocation ledger together
// with the call site that asked for it.
//
// Both instruments are chosen once, when the Allocator is built. Their
// defaults come from build tags (heapguard_notrack, heapguard_noguard) and
// can be overridden per instance with options.
package allocator

import (
	"unsafe"

	"go.uber.org/zap"

	"github.com/orizon-lang/heapguard/internal/backing"
	"github.com/orizon-lang/heapguard/internal/guard"
	"github.com/orizon-lang/heapguard/internal/tracker"
)

// DefaultStatsOptions omits the merged and per-arena sections of the heap report.
const DefaultStatsOptions = "ma"

// Config holds the construction-time settings of an Allocator.
type Config struct {
	Tracker             tracker.Tracker
	Logger              *zap.Logger
	StatsOptions        string
	EnableTracking      bool
	EnableOverflowCheck bool
}

type Option func(*Config)

func defaultConfig() *Config {
	return &Config{
		EnableTracking:      trackingDefault,
		EnableOverflowCheck: overflowCheckDefault,
		StatsOptions:        DefaultStatsOptions,
	}
}

// WithTracker sets the ledger allocations are recorded in. It defaults to
// tracker.Default().
func WithTracker(t tracker.Tracker) Option {
	return func(c *Config) { c.Tracker = t }
}

func WithTracking(enabled bool) Option {
	return func(c *Config) { c.EnableTracking = enabled }
}

func WithOverflowCheck(enabled bool) Option {
	return func(c *Config) { c.EnableOverflowCheck = enabled }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithStatsOptions sets the section switches passed to the heap's stats printer.
func WithStatsOptions(opts string) Option {
	return func(c *Config) { c.StatsOptions = opts }
}

// Allocator forwards to a backing heap and instruments each block. It holds
// no lock of its own; concurrency safety comes from the heap and the tracker.
type Allocator struct {
	heap      backing.Heap
	tracker   tracker.Tracker
	guard     *guard.Guard
	logger    *zap.Logger
	statsOpts string

	// pad is the number of bytes added to every request for the canary.
	pad   uintptr
	track bool
	// direct is set when neither instrument is on and every call is a
	// plain passthrough.
	direct bool
}

// New builds an Allocator over heap.
func New(heap backing.Heap, opts ...Option) *Allocator {
	config := defaultConfig()
	for _, opt := range opts {
		opt(config)
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Allocator{
		heap:      heap,
		logger:    logger,
		statsOpts: config.StatsOptions,
		track:     config.EnableTracking,
		tracker:   tracker.Nop{},
	}
	if config.EnableTracking {
		a.tracker = config.Tracker
		if a.tracker == nil {
			a.tracker = tracker.Default()
		}
	}
	if config.EnableOverflowCheck {
		a.guard = guard.New(heap, logger)
		a.pad = guard.TagWidth
	}
	a.direct = !a.track && a.guard == nil

	logger.Debug("allocator ready",
		zap.Bool("tracking", a.track),
		zap.Bool("overflow_check", a.guard != nil))
	return a
}

// Tracking reports whether allocations are recorded in the ledger.
func (a *Allocator) Tracking() bool { return a.track }

// OverflowChecking reports whether blocks carry a canary.
func (a *Allocator) OverflowChecking() bool { return a.guard != nil }

func (a *Allocator) Heap() backing.Heap { return a.heap }

func (a *Allocator) Tracker() tracker.Tracker { return a.tracker }

// Ledger returns the tracker as a *tracker.Ledger when it is one.
func (a *Allocator) Ledger() (*tracker.Ledger, bool) {
	l, ok := a.tracker.(*tracker.Ledger)
	return l, ok
}

// padded adds the canary width to count. It fails when the sum overflows.
func (a *Allocator) padded(count uintptr) (uintptr, bool) {
	if count > ^uintptr(0)-a.pad {
		return 0, false
	}
	return count + a.pad, true
}

// AllocBytes returns a block of at least count bytes, or nil when the heap
// is exhausted. A failed allocation leaves no trace in the ledger.
func (a *Allocator) AllocBytes(count uintptr, site tracker.CallSite) unsafe.Pointer {
	if a.direct {
		return a.heap.Allocate(count)
	}
	size, ok := a.padded(count)
	if !ok {
		return nil
	}
	ptr := a.heap.Allocate(size)
	if ptr == nil {
		return nil
	}
	a.adopt(ptr, count, site)
	return ptr
}

// AllocBytesAligned is AllocBytes with an alignment. align must be a power
// of two; the canary padding never affects the block's start.
func (a *Allocator) AllocBytesAligned(align, count uintptr, site tracker.CallSite) unsafe.Pointer {
	if a.direct {
		return a.heap.AllocateAligned(align, count)
	}
	size, ok := a.padded(count)
	if !ok {
		return nil
	}
	ptr := a.heap.AllocateAligned(align, size)
	if ptr == nil {
		return nil
	}
	a.adopt(ptr, count, site)
	return ptr
}

// DeallocBytes validates the block's canary, drops it from the ledger and
// returns it to the heap. nil is ignored. A damaged canary never returns.
func (a *Allocator) DeallocBytes(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	if !a.direct {
		a.release(ptr)
	}
	a.heap.Free(ptr)
}

// ReallocBytes resizes ptr to count bytes with realloc semantics:
//   - nil ptr and zero count returns nil and does nothing,
//   - nil ptr allocates,
//   - zero count frees and returns nil,
//   - otherwise the content up to min(old, count) moves to a new block.
//
// With tracking on, the copy path always allocates a fresh block so the
// ledger sees a clean free and alloc pair. If the new block cannot be
// obtained, nil is returned and ptr stays live and untouched.
func (a *Allocator) ReallocBytes(ptr unsafe.Pointer, count uintptr, site tracker.CallSite) unsafe.Pointer {
	if !a.track {
		return a.resize(ptr, count)
	}

	switch {
	case ptr == nil && count == 0:
		return nil
	case ptr == nil:
		return a.AllocBytes(count, site)
	case count == 0:
		a.DeallocBytes(ptr)
		return nil
	}

	if a.guard != nil {
		a.guard.Check(ptr)
	}
	size, ok := a.padded(count)
	if !ok {
		return nil
	}
	keep := a.heap.UsableSize(ptr) - a.pad
	if count < keep {
		keep = count
	}

	nptr := a.heap.Allocate(size)
	if nptr == nil {
		return nil
	}
	copyMemory(nptr, ptr, keep)
	a.adopt(nptr, count, site)

	a.tracker.RecordFree(ptr)
	a.heap.Free(ptr)
	return nptr
}

// resize serves ReallocBytes when nothing is recorded. The heap may keep the
// block in place, so the canary is validated before and restamped after.
func (a *Allocator) resize(ptr unsafe.Pointer, count uintptr) unsafe.Pointer {
	if a.guard == nil {
		return a.heap.Resize(ptr, count)
	}

	if ptr == nil {
		if count == 0 {
			return nil
		}
		return a.AllocBytes(count, tracker.CallSite{})
	}
	a.guard.Check(ptr)
	if count == 0 {
		a.heap.Free(ptr)
		return nil
	}

	size, ok := a.padded(count)
	if !ok {
		return nil
	}
	nptr := a.heap.Resize(ptr, size)
	if nptr == nil {
		return nil
	}
	a.guard.Stamp(nptr)
	return nptr
}

// adopt stamps and records a block the heap just handed out.
func (a *Allocator) adopt(ptr unsafe.Pointer, count uintptr, site tracker.CallSite) {
	if a.guard != nil {
		a.guard.Stamp(ptr)
	}
	if a.track {
		a.tracker.RecordAlloc(ptr, count, site)
	}
}

// release validates and forgets a block that is about to be freed.
func (a *Allocator) release(ptr unsafe.Pointer) {
	if a.guard != nil {
		a.guard.Check(ptr)
	}
	if a.track {
		a.tracker.RecordFree(ptr)
	}
}

func copyMemory(dst, src unsafe.Pointer, size uintptr) {
	if size == 0 {
		return
	}
	copy(unsafe.Slice((*byte)(dst), size), unsafe.Slice((*byte)(src), size))
}
