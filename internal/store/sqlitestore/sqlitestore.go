// Package sqlitestore is the pure-Go SQLite implementation of
// store.Store, built on modernc.org/sqlite (no cgo) through sqlx.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/halvorsen/wikicache/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS wikis (
	url_base       TEXT PRIMARY KEY,
	sync_timestamp TEXT,
	synced         INTEGER NOT NULL DEFAULT 0,
	last_update    TIMESTAMP
);

CREATE TABLE IF NOT EXISTS pages (
	wiki          TEXT NOT NULL,
	title         TEXT NOT NULL,
	contents      TEXT,
	revision      INTEGER,
	last_revision INTEGER,
	PRIMARY KEY (wiki, title)
);

CREATE INDEX IF NOT EXISTS idx_pages_needing_metadata ON pages (wiki) WHERE last_revision IS NULL;
CREATE INDEX IF NOT EXISTS idx_pages_needing_content ON pages (wiki) WHERE revision IS NOT NULL AND revision != last_revision;
`

// Store is a store.Store backed by a single SQLite database file (or
// in-memory database, for tests).
type Store struct {
	db *sqlx.DB
}

// Open opens (and, on first use, creates the schema of) the SQLite
// database addressed by dsn. A missing schema is created automatically,
// per spec §4.2's "missing schema is created on first use" failure mode.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: opening %s: %w", dsn, err)
	}
	// modernc.org/sqlite is not safe for concurrent writers on the same
	// connection pool; the scheduler already serializes writes, but cap
	// this defensively so a misbehaving caller can't corrupt the file.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

type wikiRow struct {
	URLBase       string         `db:"url_base"`
	SyncTimestamp sql.NullString `db:"sync_timestamp"`
	Synced        bool           `db:"synced"`
	LastUpdate    sql.NullTime   `db:"last_update"`
}

func (s *Store) GetWiki(ctx context.Context, urlBase string) (model.WikiRecord, bool, error) {
	var row wikiRow
	err := s.db.GetContext(ctx, &row, `SELECT url_base, sync_timestamp, synced, last_update FROM wikis WHERE url_base = ?`, urlBase)
	if errors.Is(err, sql.ErrNoRows) {
		return model.WikiRecord{}, false, nil
	}
	if err != nil {
		return model.WikiRecord{}, false, fmt.Errorf("sqlitestore: get wiki: %w", err)
	}
	rec := model.WikiRecord{URLBase: row.URLBase, Synced: row.Synced}
	if row.SyncTimestamp.Valid {
		rec.SyncTimestamp = &row.SyncTimestamp.String
	}
	if row.LastUpdate.Valid {
		rec.LastUpdate = &row.LastUpdate.Time
	}
	return rec, true, nil
}

func (s *Store) PutWiki(ctx context.Context, rec model.WikiRecord) error {
	var ts sql.NullString
	if rec.SyncTimestamp != nil {
		ts = sql.NullString{String: *rec.SyncTimestamp, Valid: true}
	}
	var lu sql.NullTime
	if rec.LastUpdate != nil {
		lu = sql.NullTime{Time: *rec.LastUpdate, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wikis (url_base, sync_timestamp, synced, last_update)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(url_base) DO UPDATE SET
			sync_timestamp = excluded.sync_timestamp,
			synced = excluded.synced,
			last_update = excluded.last_update
	`, rec.URLBase, ts, rec.Synced, lu)
	if err != nil {
		return fmt.Errorf("sqlitestore: put wiki: %w", err)
	}
	return nil
}

type pageRow struct {
	Wiki         string         `db:"wiki"`
	Title        string         `db:"title"`
	Contents     sql.NullString `db:"contents"`
	Revision     sql.NullInt64  `db:"revision"`
	LastRevision sql.NullInt64  `db:"last_revision"`
}

func (r pageRow) toModel() model.PageRecord {
	rec := model.PageRecord{Wiki: r.Wiki, Title: r.Title}
	if r.Contents.Valid {
		rec.Contents = &r.Contents.String
	}
	if r.Revision.Valid {
		rec.Revision = &r.Revision.Int64
	}
	if r.LastRevision.Valid {
		rec.LastRevision = &r.LastRevision.Int64
	}
	return rec
}

func (s *Store) GetPage(ctx context.Context, wiki, title string) (model.PageRecord, bool, error) {
	var row pageRow
	err := s.db.GetContext(ctx, &row, `SELECT wiki, title, contents, revision, last_revision FROM pages WHERE wiki = ? AND title = ?`, wiki, title)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PageRecord{}, false, nil
	}
	if err != nil {
		return model.PageRecord{}, false, fmt.Errorf("sqlitestore: get page: %w", err)
	}
	return row.toModel(), true, nil
}

func (s *Store) UpsertPage(ctx context.Context, rec model.PageRecord) error {
	var contents sql.NullString
	if rec.Contents != nil {
		contents = sql.NullString{String: *rec.Contents, Valid: true}
	}
	var revision, lastRevision sql.NullInt64
	if rec.Revision != nil {
		revision = sql.NullInt64{Int64: *rec.Revision, Valid: true}
	}
	if rec.LastRevision != nil {
		lastRevision = sql.NullInt64{Int64: *rec.LastRevision, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pages (wiki, title, contents, revision, last_revision)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(wiki, title) DO UPDATE SET
			contents = excluded.contents,
			revision = excluded.revision,
			last_revision = excluded.last_revision
	`, rec.Wiki, rec.Title, contents, revision, lastRevision)
	if err != nil {
		return fmt.Errorf("sqlitestore: upsert page: %w", err)
	}
	return nil
}

func (s *Store) InvalidateAll(ctx context.Context, wiki string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE pages SET last_revision = NULL WHERE wiki = ?`, wiki)
	if err != nil {
		return fmt.Errorf("sqlitestore: invalidate all: %w", err)
	}
	return nil
}

func (s *Store) InvalidateTitle(ctx context.Context, wiki, title string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pages (wiki, title, contents, revision, last_revision)
		VALUES (?, ?, NULL, NULL, NULL)
		ON CONFLICT(wiki, title) DO UPDATE SET last_revision = NULL
	`, wiki, title)
	if err != nil {
		return fmt.Errorf("sqlitestore: invalidate title: %w", err)
	}
	return nil
}

func (s *Store) PagesNeedingContent(ctx context.Context, wiki string) ([]model.PageRecord, error) {
	var rows []pageRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT wiki, title, contents, revision, last_revision FROM pages
		WHERE wiki = ? AND revision IS NOT NULL AND revision != last_revision
	`, wiki)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: pages needing content: %w", err)
	}
	return toModels(rows), nil
}

func (s *Store) PagesNeedingMetadata(ctx context.Context, wiki string) ([]model.PageRecord, error) {
	var rows []pageRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT wiki, title, contents, revision, last_revision FROM pages
		WHERE wiki = ? AND last_revision IS NULL
	`, wiki)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: pages needing metadata: %w", err)
	}
	return toModels(rows), nil
}

func toModels(rows []pageRow) []model.PageRecord {
	out := make([]model.PageRecord, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out
}
