//go:build !heapguard_notrack

package allocator

const trackingDefault = true
