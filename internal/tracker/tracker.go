// Package tracker keeps the call-site aware ledger of live allocations.
//
// The facade only needs the Tracker interface. Ledger is the in-memory
// implementation used in production and in tests; a process normally shares
// the one returned by Default.
package tracker

import (
	"fmt"
	"path/filepath"
	"sync"
	"unsafe"
)

// CallSite describes where an allocation was requested. All fields are
// best effort and never validated.
type CallSite struct {
	File     string
	Line     int
	Function string
}

// IsZero reports whether no call-site information is present.
func (c CallSite) IsZero() bool {
	return c.File == "" && c.Line == 0 && c.Function == ""
}

func (c CallSite) String() string {
	if c.IsZero() {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d %s", filepath.Base(c.File), c.Line, c.Function)
}

// Tracker records allocation lifetimes. Implementations must make each call
// individually atomic and must not fail back into the caller.
type Tracker interface {
	RecordAlloc(ptr unsafe.Pointer, size uintptr, site CallSite)
	RecordFree(ptr unsafe.Pointer)
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordAlloc(unsafe.Pointer, uintptr, CallSite) {}
func (Nop) RecordFree(unsafe.Pointer)                     {}

var (
	defaultLedger *Ledger
	defaultOnce   sync.Once
)

// Default returns the process-wide ledger, creating it on first use. It is
// never torn down; it holds no resources beyond memory.
func Default() *Ledger {
	defaultOnce.Do(func() {
		defaultLedger = NewLedger()
	})
	return defaultLedger
}
