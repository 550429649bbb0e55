// Package debughttp exposes allocator diagnostics over a small loopback HTTP
// server:
//
//	GET  /metrics  -> text metrics, one "name value" per line
//	GET  /stats    -> the heap statistics report
//	GET  /leaks    -> the ledger report; ?n=<count> bounds the listing,
//	                  ?format=json returns the live records as JSON
//	POST /trim     -> trims the heap
package debughttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/orizon-lang/heapguard/internal/allocator"
	"github.com/orizon-lang/heapguard/internal/backing"
	"github.com/orizon-lang/heapguard/internal/logging"
	"github.com/orizon-lang/heapguard/internal/tracker"
)

// MetricFunc returns metric name -> value. Names are sanitized on output.
type MetricFunc func() map[string]float64

const (
	statsBufferSize  = 64 << 10
	defaultLeakLimit = 100
)

type Option func(*server)

// WithCollector adds a metric source published under prefix.
func WithCollector(prefix string, fn MetricFunc) Option {
	return func(s *server) { s.collectors[prefix] = fn }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *server) { s.logger = l }
}

type server struct {
	alloc      *allocator.Allocator
	logger     *zap.Logger
	collectors map[string]MetricFunc
}

// Start serves diagnostics for a on addr (host:port). It returns the bound
// address, which differs from addr when port 0 was requested, and a shutdown
// function.
func Start(addr string, a *allocator.Allocator, opts ...Option) (string, func(ctx context.Context) error, error) {
	s := &server{alloc: a, collectors: make(map[string]MetricFunc)}
	s.collectors["heap"] = HeapMetrics(a.Heap())
	if l, ok := a.Ledger(); ok {
		s.collectors["ledger"] = LedgerMetrics(l)
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger)

	srv := &http.Server{Addr: addr, Handler: s.routes(), ReadHeaderTimeout: 3 * time.Second}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	bound := ln.Addr().String()
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Warn("debug server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("debug server listening", zap.String("addr", bound))

	return bound, srv.Shutdown, nil
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.metrics)
	mux.HandleFunc("/stats", s.stats)
	mux.HandleFunc("/leaks", s.leaks)
	mux.HandleFunc("/trim", s.trim)
	return mux
}

func (s *server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	names := make([]string, 0, len(s.collectors))
	for name := range s.collectors {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fn := s.collectors[name]
		if fn == nil {
			continue
		}
		snapshot := fn()
		keys := make([]string, 0, len(snapshot))
		for k := range snapshot {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "%s %g\n", sanitizeMetricToken(name+"_"+k), snapshot[k])
		}
	}
}

func (s *server) stats(w http.ResponseWriter, r *http.Request) {
	buf := make([]byte, statsBufferSize)
	n := s.alloc.DumpStats(buf)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(buf[:n])
}

func (s *server) leaks(w http.ResponseWriter, r *http.Request) {
	l, ok := s.alloc.Ledger()
	if !ok {
		http.Error(w, "allocation tracking is disabled", http.StatusNotFound)
		return
	}

	q := r.URL.Query()
	n := defaultLeakLimit
	if v := q.Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid n", http.StatusBadRequest)
			return
		}
		n = parsed
	}

	if q.Get("format") == "json" {
		records := []tracker.Record{}
		if n > 0 {
			records = l.Leaks(n)
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		_ = enc.Encode(records)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := l.WriteReport(w, n); err != nil {
		s.logger.Debug("leak report write failed", zap.Error(err))
	}
}

func (s *server) trim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.alloc.TrimAlloc()
	w.WriteHeader(http.StatusNoContent)
}

// HeapMetrics publishes the heap's control values. Controls the heap does
// not support are left out.
func HeapMetrics(h backing.Heap) MetricFunc {
	names := []string{
		backing.CtlArenasNArenas,
		backing.CtlStatsAlloc,
		backing.CtlStatsActive,
		backing.CtlStatsMapped,
		backing.CtlStatsRetained,
		backing.CtlStatsPurged,
	}
	return func() map[string]float64 {
		out := make(map[string]float64, len(names))
		for _, name := range names {
			if v, err := h.CtlGet(name); err == nil {
				out[name] = float64(v)
			}
		}
		return out
	}
}

// LedgerMetrics publishes the ledger counters.
func LedgerMetrics(l *tracker.Ledger) MetricFunc {
	return func() map[string]float64 {
		c := l.Counters()
		return map[string]float64{
			"live":          float64(c.Live),
			"bytes":         float64(c.Bytes),
			"peak_live":     float64(c.PeakLive),
			"peak_bytes":    float64(c.PeakBytes),
			"allocs_total":  float64(c.Allocs),
			"frees_total":   float64(c.Frees),
			"unknown_frees": float64(c.UnknownFrees),
			"replaced":      float64(c.Replaced),
		}
	}
}

// sanitizeMetricToken maps s onto [a-zA-Z0-9_:], never starting with a digit.
func sanitizeMetricToken(s string) string {
	b := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == ':' {
			b[i] = c
		} else {
			b[i] = '_'
		}
	}
	out := string(b)
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	if len(out) > 0 && out[0] >= '0' && out[0] <= '9' {
		return "_" + out
	}
	return out
}
