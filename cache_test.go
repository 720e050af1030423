package wikicache_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/halvorsen/wikicache"
	"github.com/halvorsen/wikicache/internal/model"
	"github.com/halvorsen/wikicache/internal/store/sqlitestore"
)

// fakePage is one upstream-held page in the test double below.
type fakePage struct {
	revid   int64
	text    string
	missing bool
}

// fakeEdit is one recent-changes entry, newest-first in the slice below.
type fakeEdit struct {
	title     string
	timestamp string
	user      string
}

// fakeWiki is a minimal stand-in for a MediaWiki instance: just enough
// of the three API shapes (recentchanges/metadata/export) to drive the
// cache end to end.
type fakeWiki struct {
	mu            sync.Mutex
	pages         map[string]*fakePage
	edits         []fakeEdit // newest first
	metadataCalls int32
	exportCalls   int32
}

func newFakeWiki() *fakeWiki {
	return &fakeWiki{pages: make(map[string]*fakePage)}
}

func (f *fakeWiki) server() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(f.handle))
}

func (f *fakeWiki) handle(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	switch {
	case r.Form.Get("list") == "recentchanges":
		f.handleRecentChanges(w, r)
	case r.Form.Get("export") == "1":
		f.handleExport(w, r)
	case r.Form.Get("prop") == "revisions":
		f.handleMetadata(w, r)
	default:
		http.Error(w, "unknown request shape", http.StatusBadRequest)
	}
}

func (f *fakeWiki) handleRecentChanges(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rcend := r.Form.Get("rcend")
	limit, _ := strconv.Atoi(r.Form.Get("rclimit"))
	if limit == 0 {
		limit = 100
	}
	offset := 0
	if s := r.Form.Get("rccontinue"); s != "" {
		offset, _ = strconv.Atoi(s)
	}

	var page []fakeEdit
	for i := offset; i < len(f.edits) && len(page) < limit; i++ {
		if rcend != "" && f.edits[i].timestamp <= rcend {
			break
		}
		page = append(page, f.edits[i])
	}

	type rc struct {
		Title     string `yaml:"title"`
		User      string `yaml:"user"`
		Timestamp string `yaml:"timestamp"`
	}
	out := map[string]interface{}{
		"query": map[string]interface{}{
			"recentchanges": func() []rc {
				rs := make([]rc, len(page))
				for i, e := range page {
					rs[i] = rc{Title: e.title, User: e.user, Timestamp: e.timestamp}
				}
				return rs
			}(),
		},
	}
	next := offset + len(page)
	if next < len(f.edits) {
		out["query-continue"] = map[string]interface{}{
			"recentchanges": map[string]string{"rccontinue": strconv.Itoa(next)},
		}
	}
	yaml.NewEncoder(w).Encode(out)
}

func (f *fakeWiki) handleMetadata(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&f.metadataCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()

	titles := strings.Split(r.Form.Get("titles"), "|")
	var pages []map[string]interface{}
	for _, title := range titles {
		pg, ok := f.pages[title]
		if !ok || pg.missing {
			pages = append(pages, map[string]interface{}{"title": title, "missing": ""})
			continue
		}
		pages = append(pages, map[string]interface{}{
			"title":     title,
			"revisions": []map[string]interface{}{{"revid": pg.revid}},
		})
	}
	out := map[string]interface{}{"query": map[string]interface{}{"pages": pages}}
	yaml.NewEncoder(w).Encode(out)
}

func (f *fakeWiki) handleExport(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&f.exportCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()

	titles := strings.Split(r.Form.Get("titles"), "|")
	var sb strings.Builder
	sb.WriteString("<mediawiki><siteinfo></siteinfo>")
	for _, title := range titles {
		pg, ok := f.pages[title]
		if !ok || pg.missing {
			continue
		}
		fmt.Fprintf(&sb, "<page><title>%s</title><revision><id>%d</id><text>%s</text></revision></page>", title, pg.revid, pg.text)
	}
	sb.WriteString("</mediawiki>")
	w.Write([]byte(sb.String()))
}

func newTestCache(t *testing.T, fw *fakeWiki) *wikicache.Cache {
	t.Helper()
	srv := fw.server()
	t.Cleanup(srv.Close)

	dbPath := filepath.Join(t.TempDir(), "cache.db")
	c, err := wikicache.New(wikicache.Config{URLBase: srv.URL, DBURL: dbPath, Limit: 0})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitHandle(t *testing.T, h *wikicache.Handle, timeout time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := h.Wait(ctx); err != nil {
		t.Fatalf("handle wait: %v", err)
	}
}

// S1 — first-run: empty store, upstream has page "Alpha".
func TestFirstRun(t *testing.T) {
	fw := newFakeWiki()
	fw.pages["Alpha"] = &fakePage{revid: 7, text: "hello"}
	c := newTestCache(t, fw)

	h := c.Get(context.Background(), "alpha", false)
	waitHandle(t, h, 5*time.Second)

	if !h.Exists() {
		t.Fatal("expected Alpha to exist")
	}
	text, err := h.Text()
	if err != nil || text != "hello" {
		t.Fatalf("unexpected text %q err %v", text, err)
	}
}

// S2 — coalescing: concurrent Get calls for the same title produce a
// single metadata call and a single export call.
func TestCoalescing(t *testing.T) {
	fw := newFakeWiki()
	fw.pages["Beta"] = &fakePage{revid: 3, text: "beta text"}
	c := newTestCache(t, fw)

	handles := make([]*wikicache.Handle, 3)
	for i := 0; i < 3; i++ {
		handles[i] = c.Get(context.Background(), "Beta", false)
	}

	for _, h := range handles {
		waitHandle(t, h, 5*time.Second)
		text, err := h.Text()
		if err != nil || text != "beta text" {
			t.Fatalf("unexpected text %q err %v", text, err)
		}
	}

	if got := atomic.LoadInt32(&fw.metadataCalls); got != 1 {
		t.Errorf("expected exactly 1 metadata call, got %d", got)
	}
	if got := atomic.LoadInt32(&fw.exportCalls); got != 1 {
		t.Errorf("expected exactly 1 export call, got %d", got)
	}
}

// S4 — missing page.
func TestMissingPage(t *testing.T) {
	fw := newFakeWiki()
	c := newTestCache(t, fw)

	h := c.Get(context.Background(), "Nope", false)
	waitHandle(t, h, 5*time.Second)

	if h.Exists() {
		t.Fatal("expected Nope to be reported missing")
	}
	if _, err := h.Text(); !wikicache.IsPageAbsent(err) {
		t.Fatalf("expected ErrPageAbsent, got %v", err)
	}
	if got := atomic.LoadInt32(&fw.exportCalls); got != 0 {
		t.Errorf("expected no export call for a missing page, got %d", got)
	}
}

// S5 — invalidation: a page already in the store is invalidated by the
// change feed, and the next Get re-fetches it.
func TestInvalidationTriggersRefetch(t *testing.T) {
	fw := newFakeWiki()
	fw.pages["Gamma"] = &fakePage{revid: 4, text: "new"}
	fw.edits = []fakeEdit{{title: "Gamma", timestamp: "20240102000000", user: "u"}}

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "cache.db")

	seed, err := sqlitestore.Open(dbPath)
	if err != nil {
		t.Fatalf("seeding store: %v", err)
	}
	ts := "20240101000000"
	srv := fw.server()
	t.Cleanup(srv.Close)
	if err := seed.PutWiki(context.Background(), model.WikiRecord{URLBase: srv.URL, SyncTimestamp: &ts, Synced: true}); err != nil {
		t.Fatalf("seeding wiki: %v", err)
	}
	oldText := "old"
	rev3 := int64(3)
	if err := seed.UpsertPage(context.Background(), model.PageRecord{Wiki: srv.URL, Title: "Gamma", Contents: &oldText, Revision: &rev3, LastRevision: &rev3}); err != nil {
		t.Fatalf("seeding page: %v", err)
	}
	if err := seed.Close(); err != nil {
		t.Fatalf("closing seed store: %v", err)
	}

	c, err := wikicache.New(wikicache.Config{URLBase: srv.URL, DBURL: dbPath, Limit: 0})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	h := c.Get(context.Background(), "Gamma", false)
	waitHandle(t, h, 5*time.Second)

	text, err := h.Text()
	if err != nil || text != "new" {
		t.Fatalf("expected refreshed contents %q, got %q err %v", "new", text, err)
	}
}

// S6 — rate gate: resolving titles through a gated cache takes at least
// one `limit` interval of wall clock.
func TestRateGateSpacesBatches(t *testing.T) {
	fw := newFakeWiki()
	for i := 0; i < 3; i++ {
		title := fmt.Sprintf("Page%d", i)
		fw.pages[title] = &fakePage{revid: 1, text: "x"}
	}
	srv := fw.server()
	t.Cleanup(srv.Close)

	dbPath := filepath.Join(t.TempDir(), "cache.db")
	c, err := wikicache.New(wikicache.Config{URLBase: srv.URL, DBURL: dbPath, Limit: 60 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	start := time.Now()
	for i := 0; i < 3; i++ {
		title := fmt.Sprintf("Page%d", i)
		h := c.Get(context.Background(), title, false)
		waitHandle(t, h, 5*time.Second)
	}
	// 3 distinct titles resolved one after another need a metadata call
	// and an export call each (6 calls, plus the recent-changes discovery
	// call), all serialized through the same gate; this checks only that
	// resolution could not have finished within a single gate interval.
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("expected rate-gated resolution to take a non-trivial amount of wall clock, took %v", elapsed)
	}
}
