package tracker

import (
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"
)

const ledgerShards = 64

// Record is one live allocation.
type Record struct {
	Address uintptr
	Size    uintptr
	Site    CallSite
	// Seq orders records by allocation time.
	Seq uint64
}

type ledgerShard struct {
	mu      sync.RWMutex
	records map[uintptr]Record
}

// Counters are cumulative ledger statistics.
type Counters struct {
	Live         int
	Bytes        uintptr
	PeakLive     int
	PeakBytes    uintptr
	Allocs       uint64
	Frees        uint64
	UnknownFrees uint64
	Replaced     uint64
}

// Ledger maps live addresses to their size and call site. Each method is
// atomic on its own; a snapshot taken while other goroutines allocate may or
// may not include their in-flight allocations.
type Ledger struct {
	shards [ledgerShards]ledgerShard
	seq    atomic.Uint64

	mu       sync.Mutex // guards counters
	counters Counters
}

var _ Tracker = (*Ledger)(nil)

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	l := &Ledger{}
	for i := range l.shards {
		l.shards[i].records = make(map[uintptr]Record)
	}
	return l
}

func (l *Ledger) shard(addr uintptr) *ledgerShard {
	return &l.shards[(addr>>4)%ledgerShards]
}

// RecordAlloc inserts a record for ptr. An existing record for the same
// address is replaced and counted, since it means a free went unrecorded.
func (l *Ledger) RecordAlloc(ptr unsafe.Pointer, size uintptr, site CallSite) {
	addr := uintptr(ptr)
	rec := Record{Address: addr, Size: size, Site: site, Seq: l.seq.Add(1)}

	s := l.shard(addr)
	s.mu.Lock()
	old, replaced := s.records[addr]
	s.records[addr] = rec
	s.mu.Unlock()

	l.mu.Lock()
	c := &l.counters
	c.Allocs++
	if replaced {
		c.Replaced++
		c.Bytes -= old.Size
	} else {
		c.Live++
	}
	c.Bytes += size
	if c.Live > c.PeakLive {
		c.PeakLive = c.Live
	}
	if c.Bytes > c.PeakBytes {
		c.PeakBytes = c.Bytes
	}
	l.mu.Unlock()
}

// RecordFree removes the record for ptr. Unknown addresses are counted and
// otherwise ignored.
func (l *Ledger) RecordFree(ptr unsafe.Pointer) {
	addr := uintptr(ptr)

	s := l.shard(addr)
	s.mu.Lock()
	rec, ok := s.records[addr]
	delete(s.records, addr)
	s.mu.Unlock()

	l.mu.Lock()
	if ok {
		l.counters.Frees++
		l.counters.Live--
		l.counters.Bytes -= rec.Size
	} else {
		l.counters.UnknownFrees++
	}
	l.mu.Unlock()
}

// Lookup returns the record for ptr, if it is live.
func (l *Ledger) Lookup(ptr unsafe.Pointer) (Record, bool) {
	addr := uintptr(ptr)
	s := l.shard(addr)
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[addr]
	return rec, ok
}

// Len returns the number of live records.
func (l *Ledger) Len() int {
	return l.Counters().Live
}

// Bytes returns the sum of live requested sizes.
func (l *Ledger) Bytes() uintptr {
	return l.Counters().Bytes
}

func (l *Ledger) Counters() Counters {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counters
}

// Snapshot returns the live records ordered by allocation sequence.
func (l *Ledger) Snapshot() []Record {
	var out []Record
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.RLock()
		for _, rec := range s.records {
			out = append(out, rec)
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Reset forgets every record and counter.
func (l *Ledger) Reset() {
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		s.records = make(map[uintptr]Record)
		s.mu.Unlock()
	}
	l.mu.Lock()
	l.counters = Counters{}
	l.mu.Unlock()
}
