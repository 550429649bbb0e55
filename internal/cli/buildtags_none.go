//go:build heapguard_notrack && heapguard_noguard

package cli

const buildTags = "heapguard_notrack,heapguard_noguard"
