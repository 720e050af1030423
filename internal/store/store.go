// Package store defines the persistent transactional table store (spec
// C2): a durable mapping of (wiki, title) to page record, plus the
// per-wiki sync cursor. Every operation is explicitly scoped by wiki so
// one backing database can serve several cached wikis.
package store

import (
	"context"

	"github.com/halvorsen/wikicache/internal/model"
)

// Store is the abstract transactional table store spec §4.2 describes.
// Implementations must tolerate concurrent readers and a single writer.
type Store interface {
	// GetWiki returns the Wiki row for urlBase, or ok=false if it has
	// never been seen before.
	GetWiki(ctx context.Context, urlBase string) (model.WikiRecord, bool, error)
	// PutWiki inserts or updates the Wiki row.
	PutWiki(ctx context.Context, rec model.WikiRecord) error

	// GetPage is a point lookup by composite key.
	GetPage(ctx context.Context, wiki, title string) (model.PageRecord, bool, error)
	// UpsertPage inserts or updates a page record.
	UpsertPage(ctx context.Context, rec model.PageRecord) error

	// InvalidateAll sets last_revision := null for every page of wiki.
	InvalidateAll(ctx context.Context, wiki string) error
	// InvalidateTitle sets last_revision := null for a single title,
	// creating a placeholder row if none exists yet (spec I4: a
	// change-feed entry for a title invalidates it even if the cache has
	// never seen it before).
	InvalidateTitle(ctx context.Context, wiki, title string) error

	// PagesNeedingContent streams pages where revision != last_revision
	// and revision is not null: known-stale pages with usable metadata.
	PagesNeedingContent(ctx context.Context, wiki string) ([]model.PageRecord, error)
	// PagesNeedingMetadata streams pages where last_revision is null.
	PagesNeedingMetadata(ctx context.Context, wiki string) ([]model.PageRecord, error)

	// Close releases the store's underlying resources.
	Close() error
}
