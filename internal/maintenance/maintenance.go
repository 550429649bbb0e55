// Package maintenance runs the housekeeping a long-lived host wants from the
// allocator: periodic trimming and a control directory through which an
// operator can request a trim or a statistics dump without restarting.
package maintenance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/heapguard/internal/logging"
	"github.com/orizon-lang/heapguard/internal/tracker"
)

// Control file names recognized in the control directory.
const (
	ControlTrim = "trim"
	ControlDump = "dump"
	// DumpFile receives the output of a dump request.
	DumpFile = "stats.txt"
)

const (
	defaultDumpSize  = 64 << 10
	defaultLeakLimit = 50
)

// Target is the allocator surface the runner drives.
type Target interface {
	TrimAlloc()
	DumpStats(buf []byte) int
}

type Option func(*Runner)

// WithInterval trims every d. Zero disables periodic trimming.
func WithInterval(d time.Duration) Option {
	return func(r *Runner) { r.interval = d }
}

// WithControlDir watches dir for control files. Empty disables watching.
func WithControlDir(dir string) Option {
	return func(r *Runner) { r.controlDir = dir }
}

// WithLedger appends the ledger report to every dump.
func WithLedger(l *tracker.Ledger) Option {
	return func(r *Runner) { r.ledger = l }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithDumpSize bounds the heap statistics part of a dump.
func WithDumpSize(n int) Option {
	return func(r *Runner) { r.dumpSize = n }
}

// Runner performs trims and dumps for one Target.
type Runner struct {
	target     Target
	ledger     *tracker.Ledger
	logger     *zap.Logger
	interval   time.Duration
	controlDir string
	dumpSize   int

	ready     chan struct{}
	readyOnce sync.Once

	trims atomic.Uint64
	dumps atomic.Uint64
}

func New(target Target, opts ...Option) *Runner {
	r := &Runner{
		target:   target,
		dumpSize: defaultDumpSize,
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrNop(r.logger)
	return r
}

// Ready is closed once Run has installed its ticker and watcher, or has
// failed to.
func (r *Runner) Ready() <-chan struct{} { return r.ready }

// Trims returns how many trims the runner has performed.
func (r *Runner) Trims() uint64 { return r.trims.Load() }

// Dumps returns how many dumps the runner has written.
func (r *Runner) Dumps() uint64 { return r.dumps.Load() }

// Run blocks until ctx is cancelled or the watcher fails, even when neither
// trimming nor watching is configured. Cancellation is not an error.
func (r *Runner) Run(ctx context.Context) error {
	defer r.markReady()

	var w *fsnotify.Watcher
	if r.controlDir != "" {
		var err error
		if w, err = r.watch(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return gctx.Err()
	})

	if r.interval > 0 {
		ticker := time.NewTicker(r.interval)
		g.Go(func() error {
			defer ticker.Stop()
			return r.tick(gctx, ticker.C)
		})
	}

	if w != nil {
		g.Go(func() error {
			defer w.Close()
			return r.loop(gctx, w)
		})
	}

	r.markReady()
	r.logger.Info("maintenance started",
		zap.Duration("interval", r.interval),
		zap.String("control_dir", r.controlDir))

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) markReady() {
	r.readyOnce.Do(func() { close(r.ready) })
}

func (r *Runner) tick(ctx context.Context, c <-chan time.Time) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c:
			r.Trim()
		}
	}
}

func (r *Runner) watch() (*fsnotify.Watcher, error) {
	if err := os.MkdirAll(r.controlDir, 0o755); err != nil {
		return nil, fmt.Errorf("create control dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(r.controlDir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", r.controlDir, err)
	}
	return w, nil
}

func (r *Runner) loop(ctx context.Context, w *fsnotify.Watcher) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			r.handle(ev.Name)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("control dir watch error", zap.Error(err))
		}
	}
}

// handle runs the request named by a control file and removes the file so
// the next request can create it again.
func (r *Runner) handle(path string) {
	name := filepath.Base(path)
	switch name {
	case ControlTrim:
		r.Trim()
	case ControlDump:
		if err := r.Dump(); err != nil {
			r.logger.Warn("stats dump failed", zap.Error(err))
		}
	default:
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.logger.Debug("control file not removed", zap.String("path", path), zap.Error(err))
	}
}

// Trim trims the target once.
func (r *Runner) Trim() {
	r.target.TrimAlloc()
	r.trims.Add(1)
}

// Report renders the heap statistics followed by the ledger report, if any.
func (r *Runner) Report() []byte {
	buf := make([]byte, r.dumpSize)
	n := r.target.DumpStats(buf)

	var out bytes.Buffer
	out.Write(buf[:n])
	if r.ledger != nil {
		out.WriteString("\n")
		// Writes to a bytes.Buffer cannot fail.
		_ = r.ledger.WriteReport(&out, defaultLeakLimit)
	}
	return out.Bytes()
}

// Dump writes Report to DumpFile in the control directory. The file is
// replaced atomically.
func (r *Runner) Dump() error {
	if r.controlDir == "" {
		return errors.New("no control dir configured")
	}
	tmp, err := os.CreateTemp(r.controlDir, ".stats-*")
	if err != nil {
		return fmt.Errorf("create dump: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(r.Report()); err != nil {
		tmp.Close()
		return fmt.Errorf("write dump: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close dump: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(r.controlDir, DumpFile)); err != nil {
		return fmt.Errorf("publish dump: %w", err)
	}
	r.dumps.Add(1)
	r.logger.Info("stats dumped", zap.String("path", filepath.Join(r.controlDir, DumpFile)))
	return nil
}
