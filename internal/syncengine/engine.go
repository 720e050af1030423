// Package syncengine applies the upstream recent-changes feed to the
// store (spec C4): it keeps the cache's notion of "what's stale" in
// step with the wiki, without ever fetching content itself.
package syncengine

import (
	"context"
	"log/slog"
	"time"

	"github.com/halvorsen/wikicache/internal/model"
	"github.com/halvorsen/wikicache/internal/upstream"
)

// idleThreshold is how recently a successful sync must have completed
// before a subsequent idle-triggered attempt is skipped, per spec §4.4.
const idleThreshold = 5 * time.Minute

// recentChangesLimit bounds a single recent-changes page. It is well
// under the upstream client's own per-call shape, which has no list-size
// cap of its own (unlike metadata/export batches).
const recentChangesLimit = 100

// discoveryLimit is the page size used for the one-off "what's the
// newest timestamp" probe on a never-synced wiki.
const discoveryLimit = 1

// Store is the slice of the persistent store the sync engine needs.
type Store interface {
	GetWiki(ctx context.Context, urlBase string) (model.WikiRecord, bool, error)
	PutWiki(ctx context.Context, rec model.WikiRecord) error
	InvalidateAll(ctx context.Context, wiki string) error
	InvalidateTitle(ctx context.Context, wiki, title string) error
}

// Client is the slice of the upstream client the sync engine drives.
type Client interface {
	RecentChanges(ctx context.Context, rcend string, limit int, cont upstream.Continuation) ([]upstream.ChangeEntry, upstream.Continuation, error)
}

// Clock exists so tests can control "now" instead of racing wall time.
type Clock func() time.Time

// Engine is the Sync Engine for a single wiki. It is invoked inline by
// the Scheduler — spec §5 guarantees at most one Engine.Run at a time,
// never concurrently with a scheduler batch dispatch — so it takes no
// lock of its own.
type Engine struct {
	wiki   string
	store  Store
	client Client
	clock  Clock
	logger *slog.Logger

	// initialSyncDone is closed the first time Run returns, whether or
	// not that round succeeded, unblocking resolvers waiting on the
	// Cache's startup gate.
	initialSyncDone chan struct{}
	closeOnce       func()
}

// New creates an Engine for wiki. logger may be nil.
func New(wiki string, store Store, client Client, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	done := make(chan struct{})
	var once bool
	return &Engine{
		wiki:            wiki,
		store:           store,
		client:          client,
		clock:           time.Now,
		logger:          logger,
		initialSyncDone: done,
		closeOnce: func() {
			if !once {
				once = true
				close(done)
			}
		},
	}
}

// InitialSyncDone is closed once the first call to Run for this wiki has
// returned, successfully or not. The Cache facade's resolvers wait on it
// before their
// first store read, per spec §4.8.
func (e *Engine) InitialSyncDone() <-chan struct{} { return e.initialSyncDone }

// MaybeSync runs one sync attempt unless a successful attempt finished
// less than idleThreshold ago and force is false.
func (e *Engine) MaybeSync(ctx context.Context, force bool) error {
	wiki, ok, err := e.store.GetWiki(ctx, e.wiki)
	if err != nil {
		return err
	}
	if ok && !force && wiki.LastUpdate != nil && e.clock().Sub(*wiki.LastUpdate) < idleThreshold {
		return nil
	}
	return e.Run(ctx)
}

// Run performs exactly one sync round: the initial discovery round if
// the wiki has never synced, otherwise an incremental round walking
// recent-changes back to the stored cursor.
func (e *Engine) Run(ctx context.Context) error {
	defer e.closeOnce()

	wiki, ok, err := e.store.GetWiki(ctx, e.wiki)
	if err != nil {
		return err
	}
	if !ok {
		wiki = model.WikiRecord{URLBase: e.wiki}
	}

	if wiki.SyncTimestamp == nil {
		err = e.initialSync(ctx, wiki)
	} else {
		err = e.incrementalSync(ctx, wiki)
	}
	if err != nil {
		e.logger.Warn("sync round failed", "wiki", e.wiki, "error", err)
		return err
	}
	return nil
}

// initialSync discovers the newest timestamp upstream currently has,
// without walking any history, and invalidates every known page since
// none of them have been checked against this baseline.
func (e *Engine) initialSync(ctx context.Context, wiki model.WikiRecord) error {
	changes, _, err := e.client.RecentChanges(ctx, "", discoveryLimit, nil)
	if err != nil {
		return err
	}

	var newest string
	if len(changes) > 0 {
		newest = changes[0].Timestamp
	}

	now := e.clock()
	wiki.SyncTimestamp = &newest
	wiki.Synced = true
	wiki.LastUpdate = &now
	if err := e.store.PutWiki(ctx, wiki); err != nil {
		return err
	}
	return e.store.InvalidateAll(ctx, e.wiki)
}

// incrementalSync pages backward from "now" to the stored cursor,
// invalidating every distinct title it observes, then advances the
// cursor to the timestamp observed at the very start of the round —
// only once the round is fully drained, so a crash mid-round leaves the
// old cursor in place and the next attempt simply redoes the work (spec
// §4.4, and the cursor-advance subtlety called out in its Design Notes).
func (e *Engine) incrementalSync(ctx context.Context, wiki model.WikiRecord) error {
	cursor := *wiki.SyncTimestamp
	wiki.Synced = false
	if err := e.store.PutWiki(ctx, wiki); err != nil {
		return err
	}

	var newest string
	var cont upstream.Continuation
	first := true

	for {
		changes, next, err := e.client.RecentChanges(ctx, cursor, recentChangesLimit, cont)
		if err != nil {
			return err
		}
		if first && len(changes) > 0 {
			newest = changes[0].Timestamp
			first = false
		}
		for _, ch := range changes {
			if err := e.store.InvalidateTitle(ctx, e.wiki, ch.Title); err != nil {
				return err
			}
		}
		if next == nil {
			break
		}
		cont = next
	}

	if newest == "" {
		newest = cursor
	}
	now := e.clock()
	wiki.SyncTimestamp = &newest
	wiki.Synced = true
	wiki.LastUpdate = &now
	return e.store.PutWiki(ctx, wiki)
}
