package allocator

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/orizon-lang/heapguard/internal/backing"
	"github.com/orizon-lang/heapguard/internal/tracker"
)

func TestDumpStats(t *testing.T) {
	a, _, _ := instrumented(backing.NewArenaHeap(backing.WithArenas(2)))
	ptr := a.AllocBytes(100, testSite)
	defer a.DeallocBytes(ptr)

	t.Run("Fits", func(t *testing.T) {
		buf := make([]byte, 8192)
		n := a.DumpStats(buf)
		require.Positive(t, n)
		assert.Equal(t, byte(0), buf[n])

		report := string(buf[:n])
		assert.True(t, strings.HasPrefix(report, "___ Begin heapguard arena heap statistics ___"))
		assert.Contains(t, report, "Arenas: 2")
		assert.NotContains(t, report, "Merged arenas stats:")
		assert.NotContains(t, report, "arenas[0]:")
	})

	t.Run("Truncated", func(t *testing.T) {
		buf := bytes.Repeat([]byte{0xCD}, 20)
		n := a.DumpStats(buf[:16])
		assert.Equal(t, 15, n)
		assert.Equal(t, byte(0), buf[15])
		assert.Equal(t, []byte{0xCD, 0xCD, 0xCD, 0xCD}, buf[16:])
	})

	t.Run("Tiny", func(t *testing.T) {
		assert.Zero(t, a.DumpStats(nil))
		one := []byte{0xFF}
		assert.Zero(t, a.DumpStats(one))
		assert.Equal(t, byte(0), one[0])
	})

	t.Run("AllSections", func(t *testing.T) {
		full := New(a.Heap(), WithStatsOptions(""), WithTracking(false), WithOverflowCheck(false))
		buf := make([]byte, 1<<16)
		report := string(buf[:full.DumpStats(buf)])
		assert.Contains(t, report, "Merged arenas stats:")
		assert.Contains(t, report, "arenas[1]:")
		assert.Contains(t, report, "--- End heapguard arena heap statistics ---")
	})
}

func TestTrimAlloc(t *testing.T) {
	heap := backing.NewArenaHeap(backing.WithArenas(3))
	core, logs := observer.New(zapcore.InfoLevel)
	a := New(heap, WithTracker(tracker.NewLedger()), WithLogger(zap.New(core)))

	var ptrs []unsafe.Pointer
	for i := 0; i < 200; i++ {
		ptrs = append(ptrs, a.AllocBytes(uintptr(16<<(i%8)), testSite))
	}
	for _, p := range ptrs {
		a.DeallocBytes(p)
	}
	mapped, err := heap.CtlGet(backing.CtlStatsMapped)
	require.NoError(t, err)
	require.NotZero(t, mapped)

	a.TrimAlloc()

	after, err := heap.CtlGet(backing.CtlStatsMapped)
	require.NoError(t, err)
	assert.Zero(t, after)

	entries := logs.FilterMessage("heap trimmed").All()
	require.Len(t, entries, 1)
	assert.EqualValues(t, 3, entries[0].ContextMap()["arenas"])
	assert.EqualValues(t, 3, entries[0].ContextMap()["purged"])

	// Trimming twice is harmless.
	assert.NotPanics(t, a.TrimAlloc)
}

// ctlless is a heap without any control names.
type ctlless struct {
	*backing.GoHeap
}

func (ctlless) CtlGet(name string) (uint64, error) { return 0, errors.New("no controls") }
func (ctlless) CtlSet(name string) error           { return errors.New("no controls") }

func TestTrimAllocIgnoresMissingControls(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	a := New(ctlless{backing.NewGoHeap(0)}, WithLogger(zap.New(core)), WithTracker(tracker.NewLedger()))

	assert.NotPanics(t, a.TrimAlloc)
	assert.Equal(t, 1, logs.FilterMessage("trim skipped").Len())
	assert.Zero(t, logs.FilterMessage("heap trimmed").Len())
}

func TestGoHeapTrim(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	a := New(backing.NewGoHeap(0), WithLogger(zap.New(core)), WithTracker(tracker.NewLedger()))

	a.TrimAlloc()
	assert.Zero(t, logs.FilterMessage("arena purge failed").Len())
	assert.Equal(t, 1, logs.FilterMessage("heap trimmed").Len())
}

func TestProcessAllocator(t *testing.T) {
	ledger := tracker.NewLedger()
	a := Initialize(backing.NewGoHeap(0), WithTracker(ledger), WithTracking(true), WithOverflowCheck(true))
	require.Same(t, a, Default())

	ptr := Alloc(32)
	require.NotNil(t, ptr)
	rec, ok := ledger.Lookup(ptr)
	require.True(t, ok)
	assert.Equal(t, "github.com/orizon-lang/heapguard/internal/allocator.TestProcessAllocator", rec.Site.Function)

	ptr = Realloc(ptr, 64)
	require.NotNil(t, ptr)
	aligned := AllocAligned(128, 8)
	assert.Zero(t, uintptr(aligned)%128)

	buf := make([]byte, 256)
	assert.Positive(t, DumpStats(buf))
	TrimAlloc()

	Free(ptr)
	Free(aligned)
	assert.Zero(t, ledger.Len())
}
