package backing

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

type binStats struct {
	nmalloc uint64
	ndalloc uint64
	curregs uint64
	chunks  int
}

type arenaStats struct {
	allocated uintptr
	active    uintptr
	mapped    uintptr
	retained  uintptr
	purged    uint64
	spans     int
	spanBytes uintptr
	bins      [numClasses]binStats
}

func (a *arena) snapshot() arenaStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := arenaStats{
		allocated: a.allocated,
		active:    a.spanBytes,
		mapped:    a.mapped,
		purged:    a.purged,
		spans:     a.spans,
		spanBytes: a.spanBytes,
	}
	for i := range a.bins {
		b := &a.bins[i]
		s.bins[i] = binStats{nmalloc: b.nmalloc, ndalloc: b.ndalloc, curregs: b.curregs, chunks: len(b.chunks)}
		for _, c := range b.chunks {
			if c.live > 0 {
				s.active += chunkSize
			} else {
				s.retained += chunkSize
			}
		}
	}
	return s
}

func (s *arenaStats) add(o arenaStats) {
	s.allocated += o.allocated
	s.active += o.active
	s.mapped += o.mapped
	s.retained += o.retained
	s.purged += o.purged
	s.spans += o.spans
	s.spanBytes += o.spanBytes
	for i := range s.bins {
		s.bins[i].nmalloc += o.bins[i].nmalloc
		s.bins[i].ndalloc += o.bins[i].ndalloc
		s.bins[i].curregs += o.bins[i].curregs
		s.bins[i].chunks += o.bins[i].chunks
	}
}

// merged sums every arena. Each arena is read atomically, the sum is not.
func (h *ArenaHeap) merged() arenaStats {
	var t arenaStats
	for _, a := range h.arenas {
		t.add(a.snapshot())
	}
	return t
}

// StatsPrint streams the report one line per fragment.
func (h *ArenaHeap) StatsPrint(write func(string), opts string) {
	write("___ Begin heapguard arena heap statistics ___\n")

	if !omits(opts, StatsOmitGeneral) {
		t := h.merged()
		write(fmt.Sprintf("Arenas: %d\n", len(h.arenas)))
		write(fmt.Sprintf("Chunk size: %s, size classes: %s..%s\n",
			humanize.IBytes(chunkSize), humanize.IBytes(uint64(classSize(0))), humanize.IBytes(MaxSmallSize)))
		write(fmt.Sprintf("Allocated: %s, active: %s, mapped: %s, retained: %s, purged: %s\n",
			humanize.IBytes(uint64(t.allocated)), humanize.IBytes(uint64(t.active)),
			humanize.IBytes(uint64(t.mapped)), humanize.IBytes(uint64(t.retained)), humanize.IBytes(t.purged)))
	}

	if !omits(opts, StatsOmitMerged) {
		writeArenaStats(write, "Merged arenas stats:", h.merged(), opts)
	}

	if !omits(opts, StatsOmitPerArena) {
		for i, a := range h.arenas {
			writeArenaStats(write, fmt.Sprintf("arenas[%d]:", i), a.snapshot(), opts)
		}
	}

	write("--- End heapguard arena heap statistics ---\n")
}

func writeArenaStats(write func(string), title string, s arenaStats, opts string) {
	write(title + "\n")
	write(fmt.Sprintf("  allocated: %d  active: %d  mapped: %d  purged: %d\n",
		s.allocated, s.active, s.mapped, s.purged))
	write(fmt.Sprintf("  large: %d spans, %s\n", s.spans, humanize.IBytes(uint64(s.spanBytes))))

	if omits(opts, StatsOmitBins) {
		return
	}
	write("  bins:      size    nmalloc    ndalloc    curregs  chunks\n")
	for i, b := range s.bins {
		if b.nmalloc == 0 && b.chunks == 0 {
			continue
		}
		write(fmt.Sprintf("  %14d %10d %10d %10d %7d\n",
			classSize(i), b.nmalloc, b.ndalloc, b.curregs, b.chunks))
	}
}
