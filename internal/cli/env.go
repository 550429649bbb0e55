package cli

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"time"
	"unsafe"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/heapguard/internal/allocator"
	"github.com/orizon-lang/heapguard/internal/config"
	"github.com/orizon-lang/heapguard/internal/debughttp"
	"github.com/orizon-lang/heapguard/internal/logging"
	"github.com/orizon-lang/heapguard/internal/maintenance"
	"github.com/orizon-lang/heapguard/internal/tracker"
)

const shutdownTimeout = 5 * time.Second

// Env is the process allocator and everything built around it.
type Env struct {
	Config *config.Config
	Logger *zap.Logger
	Alloc  *allocator.Allocator
	Ledger *tracker.Ledger
}

// NewEnv builds an allocator for cfg that records into ledger.
func NewEnv(cfg *config.Config, logger *zap.Logger, ledger *tracker.Ledger) *Env {
	a := allocator.New(cfg.NewHeap(logger), cfg.AllocatorOptions(logger, ledger)...)
	return &Env{Config: cfg, Logger: logger, Alloc: a, Ledger: ledger}
}

// Bootstrap loads the configuration at path and installs the process logger
// and allocator it describes.
func Bootstrap(path string) (*Env, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logging.SetLogger(logger)

	ledger := tracker.Default()
	a := allocator.Initialize(cfg.NewHeap(logger), cfg.AllocatorOptions(logger, ledger)...)
	return &Env{Config: cfg, Logger: logger, Alloc: a, Ledger: ledger}, nil
}

// Serve runs the maintenance loop and, when configured, the debug server
// until ctx is cancelled.
func (e *Env) Serve(ctx context.Context) error {
	var stop func(context.Context) error
	if e.Config.DebugAddr != "" {
		var err error
		if _, stop, err = debughttp.Start(e.Config.DebugAddr, e.Alloc, debughttp.WithLogger(e.Logger)); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	runner := maintenance.New(e.Alloc,
		maintenance.WithInterval(e.Config.TrimInterval),
		maintenance.WithControlDir(e.Config.ControlDir),
		maintenance.WithLedger(e.ledger()),
		maintenance.WithLogger(e.Logger))
	g.Go(func() error { return runner.Run(gctx) })

	if stop != nil {
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return stop(sctx)
		})
	}

	return g.Wait()
}

// ledger returns the ledger when the allocator records into it.
func (e *Env) ledger() *tracker.Ledger {
	if !e.Alloc.Tracking() {
		return nil
	}
	return e.Ledger
}

// StressResult summarizes a synthetic workload.
type StressResult struct {
	Allocs   int
	Reallocs int
	Frees    int
	Failed   int
	Peak     uintptr
	Duration time.Duration
}

// Stress runs n random allocate, resize and free operations against the
// process allocator, keeping at most window blocks alive. Every block is
// written in full so a miscomputed size surfaces as a canary failure.
func (e *Env) Stress(n, window int, seed int64) StressResult {
	rng := rand.New(rand.NewSource(seed))
	type block struct {
		ptr  unsafe.Pointer
		size uintptr
	}
	var (
		live  []block
		res   StressResult
		bytes uintptr
	)
	start := time.Now()

	for i := 0; i < n; i++ {
		switch op := rng.Intn(10); {
		case op < 5 || len(live) == 0:
			size := randomSize(rng)
			p := e.Alloc.Alloc(size)
			if p == nil {
				res.Failed++
				continue
			}
			touch(p, size, byte(i))
			live = append(live, block{p, size})
			bytes += size
			res.Allocs++
		case op < 7:
			j := rng.Intn(len(live))
			size := randomSize(rng)
			p := e.Alloc.Realloc(live[j].ptr, size)
			if p == nil {
				res.Failed++
				continue
			}
			touch(p, size, byte(i))
			bytes = bytes - live[j].size + size
			live[j] = block{p, size}
			res.Reallocs++
		default:
			j := rng.Intn(len(live))
			e.Alloc.Free(live[j].ptr)
			bytes -= live[j].size
			live[j] = live[len(live)-1]
			live = live[:len(live)-1]
			res.Frees++
		}

		if bytes > res.Peak {
			res.Peak = bytes
		}
		for len(live) > window {
			e.Alloc.Free(live[0].ptr)
			bytes -= live[0].size
			live = live[1:]
			res.Frees++
		}
	}

	for _, b := range live {
		e.Alloc.Free(b.ptr)
		res.Frees++
	}
	res.Duration = time.Since(start)
	return res
}

// randomSize favours small blocks and occasionally crosses into large spans.
func randomSize(rng *rand.Rand) uintptr {
	if rng.Intn(50) == 0 {
		return uintptr(64<<10 + rng.Intn(256<<10))
	}
	return uintptr(1 + rng.Intn(2048))
}

func touch(p unsafe.Pointer, size uintptr, v byte) {
	b := unsafe.Slice((*byte)(p), size)
	for i := range b {
		b[i] = v
	}
}

// WriteStressReport prints res followed by the heap and ledger reports.
func (e *Env) WriteStressReport(w io.Writer, res StressResult) error {
	fmt.Fprintf(w, "%d allocs, %d reallocs, %d frees, %d failed in %s (peak %s live)\n",
		res.Allocs, res.Reallocs, res.Frees, res.Failed, res.Duration.Round(time.Millisecond),
		humanize.IBytes(uint64(res.Peak)))

	buf := make([]byte, 64<<10)
	n := e.Alloc.DumpStats(buf)
	if _, err := w.Write(buf[:n]); err != nil {
		return err
	}
	if l := e.ledger(); l != nil {
		return l.WriteReport(w, 10)
	}
	return nil
}
