package allocator

import (
	"os"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/process"
	"go.uber.org/zap"

	"github.com/orizon-lang/heapguard/internal/backing"
	"github.com/orizon-lang/heapguard/internal/stats"
)

// DumpStats writes the heap's statistics report into buf and terminates it
// with a NUL byte. Text that does not fit is cut off. It returns the number
// of text bytes written; nothing is written when buf is empty.
func (a *Allocator) DumpStats(buf []byte) int {
	return stats.Collect(buf, func(write func(string)) {
		a.heap.StatsPrint(write, a.statsOpts)
	})
}

// TrimAlloc asks every arena of the heap to return unused pages to the
// operating system. It is best effort: controls the heap does not support
// are logged and skipped.
func (a *Allocator) TrimAlloc() {
	narenas, err := a.heap.CtlGet(backing.CtlArenasNArenas)
	if err != nil {
		a.logger.Debug("trim skipped", zap.Error(err))
		return
	}

	ce := a.logger.Check(zap.InfoLevel, "heap trimmed")
	var before uint64
	if ce != nil {
		before = residentBytes()
	}

	purged := 0
	for i := 0; i < int(narenas); i++ {
		if err := a.heap.CtlSet(backing.PurgeCtl(i)); err != nil {
			a.logger.Debug("arena purge failed", zap.Int("arena", i), zap.Error(err))
			continue
		}
		purged++
	}

	if ce != nil {
		after := residentBytes()
		ce.Write(
			zap.Uint64("arenas", narenas),
			zap.Int("purged", purged),
			zap.String("rss_before", humanize.IBytes(before)),
			zap.String("rss_after", humanize.IBytes(after)))
	}
}

// residentBytes returns the process RSS, or 0 when it cannot be read.
func residentBytes() uint64 {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return 0
	}
	return mem.RSS
}
