package buddy

import "errors"

// Error kinds surfaced to callers (spec §7). Allocator errors are always
// recoverable by the caller; only invariant-assertion failures (detected
// corruption) are fatal, and those go through corelog.Fatalf rather than
// being returned.
var (
	// ErrBadParam covers a zero-size allocation, a size above maxBufSize,
	// or a hot-add below the current low watermark / on a static memspace.
	// A handle that does not name a live memspace yields ErrInvalidHandle,
	// not ErrBadParam.
	ErrBadParam = errors.New("buddy: bad parameter")

	// ErrNoResources means no free buffer of any size with a matching
	// color could be found.
	ErrNoResources = errors.New("buddy: not enough resources")

	// ErrInvalidHandle means the handle's generation/index no longer
	// names a live memspace (destroyed or forged).
	ErrInvalidHandle = errors.New("buddy: invalid handle")
)
