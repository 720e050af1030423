package wikicache

import (
	"errors"

	"github.com/halvorsen/wikicache/internal/wikierr"
)

// Sentinel errors a caller can match against with errors.Is. These
// re-export internal/wikierr so callers never need to import an
// internal package.
var (
	// ErrPageAbsent is returned by Handle.Text when the resolved page
	// is confirmed not to exist upstream.
	ErrPageAbsent = wikierr.ErrPageAbsent
	// ErrUpstreamTransient means an upstream batch failed in a way the
	// scheduler will retry on its own. It is not delivered to a Handle;
	// a caller whose context expires while the batch is still pending
	// sees the context's error instead.
	ErrUpstreamTransient = wikierr.ErrUpstreamTransient
	// ErrUpstreamFatal means the upstream response violated a protocol
	// invariant the cache cannot recover from automatically.
	ErrUpstreamFatal = wikierr.ErrUpstreamFatal
	// ErrStoreUnavailable means the persistent store could not service
	// a read or write.
	ErrStoreUnavailable = wikierr.ErrStoreUnavailable
)

// IsPageAbsent reports whether err is or wraps ErrPageAbsent.
func IsPageAbsent(err error) bool {
	return errors.Is(err, ErrPageAbsent)
}
