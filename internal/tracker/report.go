package tracker

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/montanaflynn/stats"
)

// SiteUsage aggregates the live allocations of one call site.
type SiteUsage struct {
	Site  CallSite
	Count int
	Bytes uintptr
}

// BySite groups live records by call site, largest byte total first.
func (l *Ledger) BySite() []SiteUsage {
	idx := make(map[CallSite]int)
	var out []SiteUsage
	for _, rec := range l.Snapshot() {
		i, ok := idx[rec.Site]
		if !ok {
			i = len(out)
			idx[rec.Site] = i
			out = append(out, SiteUsage{Site: rec.Site})
		}
		out[i].Count++
		out[i].Bytes += rec.Size
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Bytes > out[j].Bytes })
	return out
}

// Summary describes the size distribution of live allocations.
type Summary struct {
	Count int
	Bytes uintptr
	Mean  float64
	P50   float64
	P99   float64
	Max   float64
}

// Summary computes size statistics over a snapshot of the ledger.
func (l *Ledger) Summary() Summary {
	records := l.Snapshot()
	sum := Summary{Count: len(records)}
	if len(records) == 0 {
		return sum
	}

	data := make(stats.Float64Data, len(records))
	for i, rec := range records {
		data[i] = float64(rec.Size)
		sum.Bytes += rec.Size
	}
	// Errors only occur on empty input, which is excluded above.
	sum.Mean, _ = data.Mean()
	sum.P50, _ = data.Percentile(50)
	sum.P99, _ = data.Percentile(99)
	sum.Max, _ = data.Max()
	return sum
}

// WriteReport writes a human readable ledger report. At most limit live
// allocations are listed individually; limit <= 0 lists none.
func (l *Ledger) WriteReport(w io.Writer, limit int) error {
	c := l.Counters()
	s := l.Summary()

	var b strings.Builder
	fmt.Fprintf(&b, "Ledger: %d live allocations, %s (peak %d allocations, %s)\n",
		c.Live, humanize.IBytes(uint64(c.Bytes)), c.PeakLive, humanize.IBytes(uint64(c.PeakBytes)))
	fmt.Fprintf(&b, "Totals: %d allocs, %d frees, %d unknown frees, %d replaced\n",
		c.Allocs, c.Frees, c.UnknownFrees, c.Replaced)
	if s.Count > 0 {
		fmt.Fprintf(&b, "Sizes: mean %s, p50 %s, p99 %s, max %s\n",
			humanize.IBytes(uint64(s.Mean)), humanize.IBytes(uint64(s.P50)),
			humanize.IBytes(uint64(s.P99)), humanize.IBytes(uint64(s.Max)))
	}

	sites := l.BySite()
	if len(sites) > 0 {
		b.WriteString("By call site:\n")
		for _, u := range sites {
			fmt.Fprintf(&b, "  %10s in %d allocations  %s\n", humanize.IBytes(uint64(u.Bytes)), u.Count, u.Site)
		}
	}

	if limit > 0 {
		b.WriteString(FormatLeaks(l.Leaks(limit)))
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// Leaks returns the oldest live records, at most limit of them. A
// non-positive limit returns all of them.
func (l *Ledger) Leaks(limit int) []Record {
	records := l.Snapshot()
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records
}

// FormatLeaks formats live records as leak candidates.
func FormatLeaks(records []Record) string {
	if len(records) == 0 {
		return "No memory leaks detected\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Detected %d live allocations:\n", len(records))
	for i, rec := range records {
		fmt.Fprintf(&b, "  Leak %d: %d bytes at %#x (%s)\n", i+1, rec.Size, rec.Address, rec.Site)
	}
	return b.String()
}
