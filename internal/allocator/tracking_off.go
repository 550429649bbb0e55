//go:build heapguard_notrack

package allocator

// Builds tagged heapguard_notrack keep no ledger unless WithTracking(true) is passed.
const trackingDefault = false
