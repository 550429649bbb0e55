package tracker

import (
	"runtime"

	lru "github.com/hashicorp/golang-lru/v2"
)

const siteCacheSize = 4096

// siteCache memoizes pc -> CallSite; symbolizing a pc is far more expensive
// than the allocation it describes.
var siteCache = mustSiteCache(siteCacheSize)

func mustSiteCache(size int) *lru.Cache[uintptr, CallSite] {
	c, err := lru.New[uintptr, CallSite](size)
	if err != nil {
		panic(err)
	}
	return c
}

// Caller returns the call site skip frames above the caller of Caller.
// Caller(0) describes the function that called Caller.
func Caller(skip int) CallSite {
	var pcs [1]uintptr
	if runtime.Callers(skip+2, pcs[:]) == 0 {
		return CallSite{}
	}
	pc := pcs[0]
	if site, ok := siteCache.Get(pc); ok {
		return site
	}

	frame, _ := runtime.CallersFrames(pcs[:]).Next()
	site := CallSite{File: frame.File, Line: frame.Line, Function: frame.Function}
	siteCache.Add(pc, site)
	return site
}
