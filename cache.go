// Package wikicache is a persistent, rate-limited, read-through cache
// for a MediaWiki instance: Get returns a Handle immediately and
// resolves it once the cache has confirmed a stored copy is current or
// fetched a fresh one.
package wikicache

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/halvorsen/wikicache/internal/model"
	"github.com/halvorsen/wikicache/internal/rategate"
	"github.com/halvorsen/wikicache/internal/reqctx"
	"github.com/halvorsen/wikicache/internal/scheduler"
	"github.com/halvorsen/wikicache/internal/store"
	"github.com/halvorsen/wikicache/internal/store/sqlitestore"
	"github.com/halvorsen/wikicache/internal/syncengine"
	"github.com/halvorsen/wikicache/internal/upstream"
	"github.com/halvorsen/wikicache/internal/wikierr"
)

// Cache is the public lookup entry point (spec C8): it owns the
// scheduler and sync engine and is safe for concurrent use by many
// callers.
type Cache struct {
	wiki      string
	store     store.Store
	scheduler *scheduler.Scheduler
	engine    *syncengine.Engine
	logger    *slog.Logger
	cancel    context.CancelFunc
}

// New opens the store, wires the rate gate, upstream client, sync
// engine and scheduler together, and starts the background tasks
// described in spec §5: one scheduler loop, invoking the sync engine
// inline whenever it is idle.
func New(cfg Config) (*Cache, error) {
	logLevel := slog.LevelInfo
	if cfg.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	db, err := sqlitestore.Open(cfg.dbURL())
	if err != nil {
		return nil, err
	}

	gate := rategate.New(cfg.Limit)
	client := upstream.New(cfg.URLBase, gate)
	engine := syncengine.New(cfg.URLBase, db, client, logger)
	sched := scheduler.New(cfg.URLBase, db, client, engine, gate, logger)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		wiki:      cfg.URLBase,
		store:     db,
		scheduler: sched,
		engine:    engine,
		logger:    logger,
		cancel:    cancel,
	}

	go func() {
		if err := engine.MaybeSync(ctx, cfg.ForceSync); err != nil {
			logger.Warn("startup sync attempt failed", "wiki", cfg.URLBase, "error", err)
		}
		sched.Run(ctx)
	}()

	return c, nil
}

// Close stops the background scheduler and releases the store.
func (c *Cache) Close() error {
	c.cancel()
	return c.store.Close()
}

// Get normalizes title and returns a Handle that a background Resolver
// task will drive to completion. When followRedirect is set, a
// MediaWiki-style "#REDIRECT [[Target]]" page resolves to its target's
// contents instead of its own.
func (c *Cache) Get(ctx context.Context, title string, followRedirect bool) *Handle {
	norm := model.NormalizeTitle(title)
	h := newHandle()
	go c.resolve(ctx, h, norm, followRedirect)
	return h
}

func (c *Cache) resolve(ctx context.Context, h *Handle, title string, followRedirect bool) {
	select {
	case <-c.engine.InitialSyncDone():
	case <-ctx.Done():
		c.failHandle(ctx, h, title, ctx.Err())
		return
	}

	if !followRedirect {
		c.resolveLoop(ctx, h, title)
		return
	}
	c.resolveWithRedirect(ctx, h, title)
}

// failHandle fails h and logs the failure tagged with the request id
// internal/server's RequestID middleware minted for this lookup (via
// internal/reqctx), if any — correlating a resolver or scheduler failure
// with the HTTP access log line for the request that triggered it.
func (c *Cache) failHandle(ctx context.Context, h *Handle, title string, err error) {
	c.logger.Warn("resolving page failed",
		"wiki", c.wiki,
		"title", title,
		"request_id", reqctx.FromContext(ctx),
		"error", err,
	)
	h.fail(err)
}

// resolveLoop is the per-request Resolver task described in spec §4.8:
// it refreshes the store record, submits whichever work items are
// still missing, and re-enters from the top if a concurrent
// invalidation knocked the record back out of date.
func (c *Cache) resolveLoop(ctx context.Context, h *Handle, title string) {
	for {
		rec, err := c.refresh(ctx, title)
		if err != nil {
			c.failHandle(ctx, h, title, err)
			return
		}

		if rec.LastRevision == nil || (!rec.UpToDate() && rec.Contents == nil) {
			comp, err := c.scheduler.SubmitMetadata(ctx, title, nil)
			if err != nil {
				c.failHandle(ctx, h, title, err)
				return
			}
			if _, err := comp.Wait(ctx); err != nil {
				c.failHandle(ctx, h, title, err)
				return
			}
			rec, err = c.refresh(ctx, title)
			if err != nil {
				c.failHandle(ctx, h, title, err)
				return
			}
		}

		if !rec.UpToDate() {
			comp, err := c.scheduler.SubmitExport(ctx, title)
			if err != nil {
				c.failHandle(ctx, h, title, err)
				return
			}
			if _, err := comp.Wait(ctx); err != nil {
				c.failHandle(ctx, h, title, err)
				return
			}
			rec, err = c.refresh(ctx, title)
			if err != nil {
				c.failHandle(ctx, h, title, err)
				return
			}
		}

		if rec.UpToDate() {
			h.resolveValue(rec.Contents)
			return
		}
		// Still not up to date — a concurrent invalidation must have
		// landed mid-round. Loop and re-enter from step 1.
	}
}

// Stats reports this cache's current backlog: pages whose metadata or
// content is known stale and awaiting the scheduler.
func (c *Cache) Stats(ctx context.Context) (model.Stats, error) {
	needMeta, err := c.store.PagesNeedingMetadata(ctx, c.wiki)
	if err != nil {
		return model.Stats{}, fmt.Errorf("%w: pages needing metadata: %v", wikierr.ErrStoreUnavailable, err)
	}
	needContent, err := c.store.PagesNeedingContent(ctx, c.wiki)
	if err != nil {
		return model.Stats{}, fmt.Errorf("%w: pages needing content: %v", wikierr.ErrStoreUnavailable, err)
	}
	return model.Stats{
		PagesNeedingMetadata: len(needMeta),
		PagesNeedingContent:  len(needContent),
	}, nil
}

func (c *Cache) refresh(ctx context.Context, title string) (model.PageRecord, error) {
	rec, ok, err := c.store.GetPage(ctx, c.wiki, title)
	if err != nil {
		return model.PageRecord{}, fmt.Errorf("%w: get page: %v", wikierr.ErrStoreUnavailable, err)
	}
	if !ok {
		rec = model.PageRecord{Wiki: c.wiki, Title: title}
	}
	return rec, nil
}
