package sqlitestore

import (
	"context"
	"testing"
	"time"

	"github.com/halvorsen/wikicache/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func int64p(v int64) *int64 { return &v }
func strp(v string) *string { return &v }

func TestWikiRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.GetWiki(ctx, "https://example.org/w/api.php"); err != nil || ok {
		t.Fatalf("expected no wiki row yet, got ok=%v err=%v", ok, err)
	}

	now := time.Now().Truncate(time.Second).UTC()
	rec := model.WikiRecord{
		URLBase:       "https://example.org/w/api.php",
		SyncTimestamp: strp("20240101000000"),
		Synced:        true,
		LastUpdate:    &now,
	}
	if err := s.PutWiki(ctx, rec); err != nil {
		t.Fatalf("PutWiki: %v", err)
	}

	got, ok, err := s.GetWiki(ctx, rec.URLBase)
	if err != nil || !ok {
		t.Fatalf("GetWiki: ok=%v err=%v", ok, err)
	}
	if got.URLBase != rec.URLBase || got.Synced != true || got.SyncTimestamp == nil || *got.SyncTimestamp != "20240101000000" {
		t.Errorf("unexpected wiki record: %+v", got)
	}
	if got.LastUpdate == nil || !got.LastUpdate.Equal(now) {
		t.Errorf("unexpected last_update: %+v", got.LastUpdate)
	}

	rec.Synced = false
	if err := s.PutWiki(ctx, rec); err != nil {
		t.Fatalf("PutWiki (update): %v", err)
	}
	got, _, _ = s.GetWiki(ctx, rec.URLBase)
	if got.Synced {
		t.Error("expected synced to be updated to false")
	}
}

func TestPageUpsertAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.GetPage(ctx, "w1", "Alpha"); err != nil || ok {
		t.Fatalf("expected no page row yet, got ok=%v err=%v", ok, err)
	}

	rec := model.PageRecord{Wiki: "w1", Title: "Alpha", Contents: strp("hello"), Revision: int64p(7), LastRevision: int64p(7)}
	if err := s.UpsertPage(ctx, rec); err != nil {
		t.Fatalf("UpsertPage: %v", err)
	}

	got, ok, err := s.GetPage(ctx, "w1", "Alpha")
	if err != nil || !ok {
		t.Fatalf("GetPage: ok=%v err=%v", ok, err)
	}
	if got.Contents == nil || *got.Contents != "hello" || *got.Revision != 7 || *got.LastRevision != 7 {
		t.Errorf("unexpected page record: %+v", got)
	}

	rec.Contents = strp("updated")
	rec.Revision = int64p(8)
	rec.LastRevision = int64p(8)
	if err := s.UpsertPage(ctx, rec); err != nil {
		t.Fatalf("UpsertPage (update): %v", err)
	}
	got, _, _ = s.GetPage(ctx, "w1", "Alpha")
	if *got.Contents != "updated" || *got.Revision != 8 {
		t.Errorf("expected update to take effect, got %+v", got)
	}
}

func TestInvalidateAll(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.UpsertPage(ctx, model.PageRecord{Wiki: "w1", Title: "A", Revision: int64p(1), LastRevision: int64p(1)})
	s.UpsertPage(ctx, model.PageRecord{Wiki: "w1", Title: "B", Revision: int64p(2), LastRevision: int64p(2)})
	s.UpsertPage(ctx, model.PageRecord{Wiki: "w2", Title: "C", Revision: int64p(3), LastRevision: int64p(3)})

	if err := s.InvalidateAll(ctx, "w1"); err != nil {
		t.Fatalf("InvalidateAll: %v", err)
	}

	a, _, _ := s.GetPage(ctx, "w1", "A")
	if a.LastRevision != nil {
		t.Errorf("expected w1/A invalidated, got %+v", a)
	}
	b, _, _ := s.GetPage(ctx, "w1", "B")
	if b.LastRevision != nil {
		t.Errorf("expected w1/B invalidated, got %+v", b)
	}
	c, _, _ := s.GetPage(ctx, "w2", "C")
	if c.LastRevision == nil {
		t.Errorf("expected w2/C to be untouched, got %+v", c)
	}
}

func TestInvalidateTitleCreatesPlaceholder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.InvalidateTitle(ctx, "w1", "NeverSeen"); err != nil {
		t.Fatalf("InvalidateTitle: %v", err)
	}
	rec, ok, err := s.GetPage(ctx, "w1", "NeverSeen")
	if err != nil || !ok {
		t.Fatalf("expected placeholder row, ok=%v err=%v", ok, err)
	}
	if rec.LastRevision != nil {
		t.Errorf("expected nil last_revision on placeholder, got %+v", rec.LastRevision)
	}

	s.UpsertPage(ctx, model.PageRecord{Wiki: "w1", Title: "Existing", Contents: strp("old"), Revision: int64p(3), LastRevision: int64p(3)})
	if err := s.InvalidateTitle(ctx, "w1", "Existing"); err != nil {
		t.Fatalf("InvalidateTitle: %v", err)
	}
	rec, _, _ = s.GetPage(ctx, "w1", "Existing")
	if rec.LastRevision != nil {
		t.Errorf("expected last_revision cleared, got %+v", rec.LastRevision)
	}
	if rec.Contents == nil || *rec.Contents != "old" {
		t.Errorf("expected contents retained across invalidation, got %+v", rec.Contents)
	}
}

func TestPagesNeedingMetadataAndContent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.UpsertPage(ctx, model.PageRecord{Wiki: "w1", Title: "NeedsMetadata"})
	s.UpsertPage(ctx, model.PageRecord{Wiki: "w1", Title: "Stale", Revision: int64p(3), LastRevision: int64p(4)})
	s.UpsertPage(ctx, model.PageRecord{Wiki: "w1", Title: "Current", Revision: int64p(5), LastRevision: int64p(5)})

	needMeta, err := s.PagesNeedingMetadata(ctx, "w1")
	if err != nil {
		t.Fatalf("PagesNeedingMetadata: %v", err)
	}
	if len(needMeta) != 1 || needMeta[0].Title != "NeedsMetadata" {
		t.Errorf("unexpected needs-metadata set: %+v", needMeta)
	}

	needContent, err := s.PagesNeedingContent(ctx, "w1")
	if err != nil {
		t.Fatalf("PagesNeedingContent: %v", err)
	}
	if len(needContent) != 1 || needContent[0].Title != "Stale" {
		t.Errorf("unexpected needs-content set: %+v", needContent)
	}
}
