package wikicache

import (
	"context"
	"sync"

	"github.com/halvorsen/wikicache/internal/wikierr"
)

// Handle is the one-shot asynchronous result a caller of Get observes
// (spec C7). A Handle is either unresolved, resolved with page contents
// (possibly absent), or failed. Once resolved, every subsequent read
// returns the same outcome immediately.
type Handle struct {
	done     chan struct{}
	once     sync.Once
	contents *string
	err      error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

func (h *Handle) resolveValue(contents *string) {
	h.once.Do(func() {
		h.contents = contents
		close(h.done)
	})
}

func (h *Handle) fail(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

// Wait blocks until the Handle resolves or ctx is done. It returns the
// failure the Handle resolved with, if any; a nil return means the
// Handle is now safe to read with Exists and Text.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Exists reports whether the resolved value is non-null. Call only
// after Wait has returned nil.
func (h *Handle) Exists() bool {
	return h.err == nil && h.contents != nil
}

// Text returns the resolved page contents, or ErrPageAbsent if the
// Handle resolved to a confirmed-absent page. Call only after Wait has
// returned nil.
func (h *Handle) Text() (string, error) {
	if h.err != nil {
		return "", h.err
	}
	if h.contents == nil {
		return "", wikierr.ErrPageAbsent
	}
	return *h.contents, nil
}
