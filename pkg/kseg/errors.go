package kseg

import "errors"

// Error kinds surfaced to the caller (spec §7). Corruption detected by
// invariant assertions (unreclaimable way in strict mode, flush_remote
// deadline exceeded, retry budget exhausted) is fatal through
// corelog.Fatalf instead of being returned here.
var (
	// ErrBadParam covers a requested length above two pages.
	ErrBadParam = errors.New("kseg: bad parameter")

	// ErrNoResources means no way in the indexed set could be reclaimed
	// (refCount never reached zero within the rotation budget), and the
	// cache is not running in strict (fatal) mode.
	ErrNoResources = errors.New("kseg: no reclaimable way")

	// ErrWouldBlock is returned by MapPhysical(mayBlock=false) when the
	// guest PA->MA resolver would otherwise block.
	ErrWouldBlock = errors.New("kseg: translation would block")

	// ErrStale names the retry-exhaustion condition in corelog messages;
	// it is never returned to a caller because exhausting the bounded
	// lookup/insert retry loop is always fatal (spec §7).
	ErrStale = errors.New("kseg: lookup retry budget exhausted")
)
