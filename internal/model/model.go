// Package model holds the leaf data types shared by the store, upstream
// client, scheduler, and sync engine: the Wiki and Page records of
// spec §3, and MediaWiki's minimal title normalization.
package model

import (
	"strings"
	"time"
	"unicode/utf8"
)

// WikiRecord is one row of the wikis table: per-upstream sync state.
type WikiRecord struct {
	URLBase string

	// SyncTimestamp is the opaque cursor supplied by the upstream change
	// feed. Nil means "never synced".
	SyncTimestamp *string

	// Synced is true iff all changes up to SyncTimestamp have been applied.
	Synced bool

	// LastUpdate is the wall-clock time of the last successful sync
	// attempt, nil if there has been none.
	LastUpdate *time.Time
}

// PageRecord is one row of the pages table: a cached title's content and
// revision metadata, scoped to a single Wiki by the Wiki field.
type PageRecord struct {
	Wiki  string
	Title string

	// Contents is the page text, or nil if either unfetched or the page is
	// confirmed absent (disambiguated by Revision).
	Contents *string

	// Revision is the revision id Contents reflects, or nil if content was
	// never fetched. 0 is the sentinel for "confirmed absent".
	Revision *int64

	// LastRevision is the latest revision id known for this page as of the
	// last successful metadata fetch or change-feed invalidation. Nil means
	// "unknown, must refetch metadata".
	LastRevision *int64
}

// UpToDate reports whether Contents (if any) reflects the latest known
// revision. An up-to-date record with Revision == 0 represents a
// confirmed-absent page.
func (p *PageRecord) UpToDate() bool {
	return p.LastRevision != nil && p.Revision != nil && *p.Revision == *p.LastRevision
}

// Missing reports whether this record is an up-to-date, confirmed-absent
// page (revision 0).
func (p *PageRecord) Missing() bool {
	return p.UpToDate() && *p.Revision == 0
}

// Stats summarizes one wiki's cache backlog, for the admin/diagnostics
// surface: how many pages are known stale but not yet re-fetched.
type Stats struct {
	PagesNeedingMetadata int
	PagesNeedingContent  int
}

// NormalizeTitle performs the minimum title normalization described in
// spec §6: underscores become spaces, embedded newlines are stripped, and
// the first character is uppercased. Full MediaWiki normalization
// (namespace casing, whitespace collapsing) is out of scope.
func NormalizeTitle(title string) string {
	title = strings.ReplaceAll(title, "_", " ")
	title = strings.ReplaceAll(title, "\n", "")
	if title == "" {
		return title
	}
	r, size := utf8.DecodeRuneInString(title)
	return strings.ToUpper(string(r)) + title[size:]
}
