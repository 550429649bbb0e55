package allocator

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/orizon-lang/heapguard/internal/backing"
	"github.com/orizon-lang/heapguard/internal/guard"
	"github.com/orizon-lang/heapguard/internal/tracker"
)

// panickingLogger turns Fatal into a recoverable panic and records entries.
func panickingLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core, zap.WithFatalHook(zapcore.WriteThenPanic)), logs
}

// instrumented returns an allocator with both instruments on, its own
// ledger and a logger whose fatal entries panic.
func instrumented(heap backing.Heap, opts ...Option) (*Allocator, *tracker.Ledger, *observer.ObservedLogs) {
	logger, logs := panickingLogger()
	ledger := tracker.NewLedger()
	opts = append([]Option{
		WithTracking(true),
		WithOverflowCheck(true),
		WithTracker(ledger),
		WithLogger(logger),
	}, opts...)
	return New(heap, opts...), ledger, logs
}

func bytesAt(ptr unsafe.Pointer, n uintptr) []byte {
	return unsafe.Slice((*byte)(ptr), n)
}

func fill(ptr unsafe.Pointer, n uintptr, v byte) {
	b := bytesAt(ptr, n)
	for i := range b {
		b[i] = v
	}
}

var testSite = tracker.CallSite{File: "/src/scene/mesh.go", Line: 12, Function: "scene.NewMesh"}

func TestAllocBytes(t *testing.T) {
	heap := backing.NewGoHeap(0)
	a, ledger, logs := instrumented(heap)

	ptr := a.AllocBytes(100, testSite)
	require.NotNil(t, ptr)
	assert.Equal(t, uintptr(100+guard.TagWidth), heap.UsableSize(ptr))
	assert.Equal(t, []byte{0x19, 0x07, 0x17, 0x20}, bytesAt(unsafe.Add(ptr, 100), guard.TagWidth))

	rec, ok := ledger.Lookup(ptr)
	require.True(t, ok)
	assert.Equal(t, uintptr(100), rec.Size)
	assert.Equal(t, testSite, rec.Site)

	// Every requested byte is writable without touching the canary.
	fill(ptr, 100, 0xFF)
	a.DeallocBytes(ptr)

	_, ok = ledger.Lookup(ptr)
	assert.False(t, ok)
	assert.Zero(t, ledger.Len())
	assert.Zero(t, logs.FilterLevelExact(zapcore.FatalLevel).Len())
}

func TestAllocBytesZero(t *testing.T) {
	a, ledger, _ := instrumented(backing.NewArenaHeap())

	p := a.AllocBytes(0, tracker.CallSite{})
	q := a.AllocBytes(0, tracker.CallSite{})
	require.NotNil(t, p)
	require.NotNil(t, q)
	assert.NotEqual(t, p, q)
	assert.Equal(t, 2, ledger.Len())

	a.DeallocBytes(p)
	a.DeallocBytes(q)
	assert.Zero(t, ledger.Len())
}

func TestAllocFailureLeavesNoRecord(t *testing.T) {
	a, ledger, logs := instrumented(backing.NewGoHeap(64))

	assert.Nil(t, a.AllocBytes(100, testSite))
	assert.Nil(t, a.AllocBytesAligned(16, 100, testSite))
	assert.Nil(t, a.AllocBytes(^uintptr(0)-1, testSite))
	assert.Zero(t, ledger.Len())
	assert.Zero(t, ledger.Counters().Allocs)
	assert.Zero(t, logs.Len())
}

func TestDeallocNil(t *testing.T) {
	a, ledger, _ := instrumented(backing.NewArenaHeap())
	assert.NotPanics(t, func() { a.DeallocBytes(nil) })
	assert.Zero(t, ledger.Counters().UnknownFrees)
}

func TestOverrunIsFatal(t *testing.T) {
	heap := backing.NewGoHeap(0)
	a, _, logs := instrumented(heap)

	ptr := a.AllocBytes(100, testSite)
	require.NotNil(t, ptr)
	fill(ptr, 101, 0x00)

	assert.Panics(t, func() { a.DeallocBytes(ptr) })
	fatal := logs.FilterMessage("heap corruption detected").All()
	require.Len(t, fatal, 1)
	assert.Equal(t, zapcore.FatalLevel, fatal[0].Level)
	assert.EqualValues(t, uintptr(ptr), fatal[0].ContextMap()["ptr"])
}

func TestOverrunByOneByte(t *testing.T) {
	for _, count := range []uintptr{0, 1, 3, 4, 7, 8, 4096} {
		count := count
		t.Run(fmt.Sprint(count), func(t *testing.T) {
			a, _, logs := instrumented(backing.NewGoHeap(0))

			ptr := a.AllocBytes(count, testSite)
			require.NotNil(t, ptr)
			fill(ptr, count, 0x00)
			assert.NotPanics(t, func() { a.DeallocBytes(ptr) })

			// The tag bytes hold no zero, so a single zero byte past the
			// request always breaks it.
			ptr = a.AllocBytes(count, testSite)
			require.NotNil(t, ptr)
			fill(ptr, count+1, 0x00)
			assert.Panics(t, func() { a.DeallocBytes(ptr) })
			assert.Equal(t, 1, logs.FilterMessage("heap corruption detected").Len())
		})
	}
}

func TestOverrunOnArenaSlot(t *testing.T) {
	// 60 bytes plus the canary fill a 64 byte size class exactly.
	heap := backing.NewArenaHeap()
	a, _, logs := instrumented(heap)

	ptr := a.AllocBytes(60, testSite)
	require.Equal(t, uintptr(64), heap.UsableSize(ptr))
	fill(ptr, 60, 0x7E)
	assert.NotPanics(t, func() { a.DeallocBytes(ptr) })

	ptr = a.AllocBytes(60, testSite)
	fill(ptr, 61, 0x7E)
	assert.Panics(t, func() { a.DeallocBytes(ptr) })
	assert.Equal(t, 1, logs.FilterMessage("heap corruption detected").Len())
}

func TestReallocBytes(t *testing.T) {
	t.Run("NilAndZero", func(t *testing.T) {
		a, ledger, _ := instrumented(backing.NewArenaHeap())
		assert.Nil(t, a.ReallocBytes(nil, 0, testSite))
		assert.Zero(t, ledger.Counters().Allocs)
	})

	t.Run("NilAllocates", func(t *testing.T) {
		heap := backing.NewGoHeap(0)
		a, ledger, _ := instrumented(heap)

		ptr := a.ReallocBytes(nil, 50, testSite)
		require.NotNil(t, ptr)
		assert.Equal(t, uintptr(54), heap.UsableSize(ptr))
		rec, ok := ledger.Lookup(ptr)
		require.True(t, ok)
		assert.Equal(t, uintptr(50), rec.Size)
		a.DeallocBytes(ptr)
	})

	t.Run("ZeroFrees", func(t *testing.T) {
		a, ledger, _ := instrumented(backing.NewArenaHeap())
		ptr := a.AllocBytes(32, testSite)
		assert.Nil(t, a.ReallocBytes(ptr, 0, testSite))
		assert.Zero(t, ledger.Len())
		assert.Equal(t, uint64(1), ledger.Counters().Frees)
	})

	t.Run("Grow", func(t *testing.T) {
		heap := backing.NewGoHeap(0)
		a, ledger, _ := instrumented(heap)

		ptr := a.AllocBytes(50, testSite)
		fill(ptr, 50, 0x11)

		grown := a.ReallocBytes(ptr, 200, testSite)
		require.NotNil(t, grown)
		assert.NotEqual(t, ptr, grown)
		assert.Equal(t, []byte(strings.Repeat("\x11", 50)), bytesAt(grown, 50))

		_, ok := ledger.Lookup(ptr)
		assert.False(t, ok)
		rec, ok := ledger.Lookup(grown)
		require.True(t, ok)
		assert.Equal(t, uintptr(200), rec.Size)
		assert.Equal(t, 1, ledger.Len())

		fill(grown, 200, 0x22)
		assert.NotPanics(t, func() { a.DeallocBytes(grown) })
	})

	t.Run("Shrink", func(t *testing.T) {
		a, ledger, _ := instrumented(backing.NewArenaHeap())

		ptr := a.AllocBytes(64, testSite)
		for i, b := 0, bytesAt(ptr, 64); i < len(b); i++ {
			b[i] = byte(i)
		}
		small := a.ReallocBytes(ptr, 8, testSite)
		require.NotNil(t, small)
		assert.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6, 7}, bytesAt(small, 8))

		rec, ok := ledger.Lookup(small)
		require.True(t, ok)
		assert.Equal(t, uintptr(8), rec.Size)
		a.DeallocBytes(small)
		assert.Zero(t, ledger.Len())
	})

	t.Run("FailureKeepsOldBlock", func(t *testing.T) {
		a, ledger, _ := instrumented(backing.NewGoHeap(128))

		ptr := a.AllocBytes(40, testSite)
		fill(ptr, 40, 0x33)
		assert.Nil(t, a.ReallocBytes(ptr, 4096, testSite))

		rec, ok := ledger.Lookup(ptr)
		require.True(t, ok)
		assert.Equal(t, uintptr(40), rec.Size)
		assert.Equal(t, []byte(strings.Repeat("\x33", 40)), bytesAt(ptr, 40))
		assert.NotPanics(t, func() { a.DeallocBytes(ptr) })
	})

	t.Run("OverrunOfOldBlockIsFatal", func(t *testing.T) {
		a, ledger, logs := instrumented(backing.NewGoHeap(0))

		ptr := a.AllocBytes(24, testSite)
		fill(ptr, 25, 0x44)
		assert.Panics(t, func() { a.ReallocBytes(ptr, 48, testSite) })
		assert.Equal(t, 1, logs.FilterMessage("heap corruption detected").Len())
		// Validation happens before anything new is allocated.
		assert.Equal(t, uint64(1), ledger.Counters().Allocs)
	})
}

func TestGuardOnly(t *testing.T) {
	heap := backing.NewGoHeap(0)
	logger, logs := panickingLogger()
	ledger := tracker.NewLedger()
	a := New(heap, WithTracking(false), WithOverflowCheck(true), WithTracker(ledger), WithLogger(logger))

	require.False(t, a.Tracking())
	require.True(t, a.OverflowChecking())

	ptr := a.Alloc(16)
	fill(ptr, 16, 0x11)
	ptr = a.Realloc(ptr, 64)
	require.NotNil(t, ptr)
	assert.Equal(t, uintptr(68), heap.UsableSize(ptr))
	assert.Equal(t, []byte(strings.Repeat("\x11", 16)), bytesAt(ptr, 16))

	ptr = a.Realloc(ptr, 8)
	assert.Equal(t, uintptr(12), heap.UsableSize(ptr))
	fill(ptr, 9, 0)
	assert.Panics(t, func() { a.Free(ptr) })
	assert.Equal(t, 1, logs.FilterMessage("heap corruption detected").Len())

	assert.Nil(t, a.Realloc(nil, 0))
	assert.Nil(t, a.Realloc(a.Alloc(4), 0))
	assert.Zero(t, ledger.Counters().Allocs)
}

func TestTrackingOnly(t *testing.T) {
	heap := backing.NewGoHeap(0)
	ledger := tracker.NewLedger()
	a := New(heap, WithTracking(true), WithOverflowCheck(false), WithTracker(ledger))

	ptr := a.AllocBytes(100, testSite)
	assert.Equal(t, uintptr(100), heap.UsableSize(ptr))
	fill(ptr, 100, 0x55)

	ptr = a.ReallocBytes(ptr, 200, testSite)
	assert.Equal(t, uintptr(200), heap.UsableSize(ptr))
	assert.Equal(t, []byte(strings.Repeat("\x55", 100)), bytesAt(ptr, 100))
	assert.Equal(t, 1, ledger.Len())
	assert.Equal(t, uintptr(200), ledger.Bytes())

	a.DeallocBytes(ptr)
	assert.Zero(t, ledger.Len())
}

func TestDirect(t *testing.T) {
	heap := backing.NewGoHeap(0)
	ledger := tracker.NewLedger()
	a := New(heap, WithTracking(false), WithOverflowCheck(false), WithTracker(ledger))

	ptr := a.AllocBytes(100, testSite)
	assert.Equal(t, uintptr(100), heap.UsableSize(ptr))
	ptr = a.ReallocBytes(ptr, 300, testSite)
	assert.Equal(t, uintptr(300), heap.UsableSize(ptr))
	a.DeallocBytes(ptr)

	// The heap's own realloc semantics apply.
	ptr = a.ReallocBytes(nil, 0, testSite)
	require.NotNil(t, ptr)
	a.DeallocBytes(ptr)

	assert.Zero(t, ledger.Counters().Allocs)
	assert.IsType(t, tracker.Nop{}, a.Tracker())
}

func TestAllocBytesAligned(t *testing.T) {
	for _, heap := range []backing.Heap{backing.NewGoHeap(0), backing.NewArenaHeap()} {
		a, ledger, _ := instrumented(heap)

		for _, align := range []uintptr{8, 64, 4096, 16384} {
			ptr := a.AllocBytesAligned(align, 256, testSite)
			require.NotNil(t, ptr, "align %d", align)
			assert.Zero(t, uintptr(ptr)%align, "align %d", align)

			rec, ok := ledger.Lookup(ptr)
			require.True(t, ok)
			assert.Equal(t, uintptr(256), rec.Size)

			fill(ptr, 256, 0x66)
			assert.NotPanics(t, func() { a.DeallocBytes(ptr) })
		}
		assert.Nil(t, a.AllocBytesAligned(48, 16, testSite))
		assert.Zero(t, ledger.Len())
	}
}

func TestCallSiteCapture(t *testing.T) {
	a, ledger, _ := instrumented(backing.NewArenaHeap())

	ptr := a.Alloc(10)
	defer a.Free(ptr)

	rec, ok := ledger.Lookup(ptr)
	require.True(t, ok)
	assert.True(t, strings.HasSuffix(rec.Site.File, "allocator_test.go"), rec.Site.File)
	assert.Equal(t, "github.com/orizon-lang/heapguard/internal/allocator.TestCallSiteCapture", rec.Site.Function)

	aligned := a.AllocAligned(32, 10)
	defer a.Free(aligned)
	rec, ok = ledger.Lookup(aligned)
	require.True(t, ok)
	assert.Equal(t, "github.com/orizon-lang/heapguard/internal/allocator.TestCallSiteCapture", rec.Site.Function)
}

func TestAllocArray(t *testing.T) {
	a, ledger, _ := instrumented(backing.NewArenaHeap())

	ptr := a.AllocArray(8, 16)
	require.NotNil(t, ptr)
	rec, _ := ledger.Lookup(ptr)
	assert.Equal(t, uintptr(128), rec.Size)
	a.Free(ptr)

	assert.Nil(t, a.AllocArray(8, 0))
	assert.Nil(t, a.AllocArray(8, -1))
	assert.Nil(t, a.AllocArray(^uintptr(0)/2, 4))
}

// The ledger must always hold exactly the live blocks with their requested sizes.
func TestLedgerMatchesLiveBlocks(t *testing.T) {
	a, ledger, _ := instrumented(backing.NewArenaHeap(backing.WithArenas(2)))
	rng := rand.New(rand.NewSource(20170719))
	live := make(map[unsafe.Pointer]uintptr)

	for step := 0; step < 2000; step++ {
		var victim unsafe.Pointer
		for ptr := range live {
			victim = ptr
			break
		}

		switch op := rng.Intn(4); {
		case op == 0 || victim == nil:
			size := uintptr(rng.Intn(3000))
			ptr := a.AllocBytes(size, testSite)
			require.NotNil(t, ptr)
			live[ptr] = size
		case op == 1:
			size := uintptr(rng.Intn(100000))
			ptr := a.ReallocBytes(victim, size, testSite)
			delete(live, victim)
			if size > 0 {
				require.NotNil(t, ptr)
				live[ptr] = size
			}
		default:
			a.DeallocBytes(victim)
			delete(live, victim)
		}

		require.Equal(t, len(live), ledger.Len(), "step %d", step)
		for ptr, size := range live {
			rec, ok := ledger.Lookup(ptr)
			require.True(t, ok, "step %d", step)
			require.Equal(t, size, rec.Size, "step %d", step)
		}
	}

	for ptr := range live {
		a.DeallocBytes(ptr)
	}
	assert.Zero(t, ledger.Len())
	assert.Zero(t, ledger.Counters().UnknownFrees)
	assert.Zero(t, ledger.Counters().Replaced)
}

func TestConcurrentUse(t *testing.T) {
	a, ledger, logs := instrumented(backing.NewArenaHeap())

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			var held []unsafe.Pointer
			for i := 0; i < 500; i++ {
				size := uintptr(rng.Intn(512) + 1)
				p := a.AllocBytes(size, testSite)
				fill(p, size, byte(seed))
				if rng.Intn(3) == 0 {
					size = uintptr(rng.Intn(2048) + 1)
					p = a.ReallocBytes(p, size, testSite)
					fill(p, size, byte(seed))
				}
				held = append(held, p)
				if len(held) > 16 {
					a.DeallocBytes(held[0])
					held = held[1:]
				}
			}
			for _, p := range held {
				a.DeallocBytes(p)
			}
		}(int64(w))
	}
	wg.Wait()

	assert.Zero(t, ledger.Len())
	assert.Zero(t, logs.FilterLevelExact(zapcore.FatalLevel).Len())
}
