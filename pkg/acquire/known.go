package acquire

import (
	"sort"
	"sync"
)

// Addresses of scales recognized since process start. Append-only; feeds
// the retained config a bridge uses to beep when a known scale shows up.
var (
	knownMu     sync.Mutex
	knownScales = make(map[string]struct{})
)

// rememberScale records an address and reports whether it was new, along
// with the full sorted set.
func rememberScale(address string) (added bool, all []string) {
	knownMu.Lock()
	defer knownMu.Unlock()
	if _, ok := knownScales[address]; !ok {
		knownScales[address] = struct{}{}
		added = true
	}
	return added, knownLocked()
}

func knownLocked() []string {
	all := make([]string, 0, len(knownScales))
	for addr := range knownScales {
		all = append(all, addr)
	}
	sort.Strings(all)
	return all
}

// KnownScales returns the addresses recognized so far.
func KnownScales() []string {
	knownMu.Lock()
	defer knownMu.Unlock()
	return knownLocked()
}
