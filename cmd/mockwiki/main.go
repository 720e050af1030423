// Command mockwiki is a minimal stand-in for a MediaWiki instance,
// serving just enough of the recentchanges, revisions metadata, and XML
// export API shapes to exercise wikicache manually or in demos.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	port       int
	latency    time.Duration
	pageCount  int
	editPeriod time.Duration
)

const loremCorpus = "Lorem ipsum dolor sit amet consectetur adipiscing elit sed do eiusmod tempor incididunt ut labore et dolore magna aliqua Ut enim ad minim veniam quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat "

type page struct {
	title   string
	revid   int64
	text    string
	missing bool
}

type wiki struct {
	mu    sync.Mutex
	pages map[string]*page
	edits []edit // newest first
}

type edit struct {
	title     string
	timestamp string
	user      string
}

func main() {
	flag.IntVar(&port, "port", 9998, "listen port")
	flag.DurationVar(&latency, "latency", 20*time.Millisecond, "simulated per-request latency")
	flag.IntVar(&pageCount, "pages", 25, "number of seed pages")
	flag.DurationVar(&editPeriod, "edit-period", 0, "if nonzero, periodically mutate a random page and append a recentchanges entry")
	flag.Parse()

	w := newWiki(pageCount)

	if editPeriod > 0 {
		go w.churn(editPeriod)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/w/api.php", w.handleAPI)
	mux.HandleFunc("GET /health", handleHealth)

	addr := fmt.Sprintf(":%d", port)
	log.Printf("mockwiki listening on %s (latency=%v, pages=%d)", addr, latency, pageCount)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func newWiki(n int) *wiki {
	w := &wiki{pages: make(map[string]*page)}
	ts := time.Now().Add(-time.Duration(n) * time.Hour).UTC()
	for i := 0; i < n; i++ {
		title := fmt.Sprintf("Page %d", i)
		w.pages[title] = &page{title: title, revid: 1, text: generateText(20 + i)}
		ts = ts.Add(time.Hour)
		w.edits = append([]edit{{title: title, timestamp: ts.Format("20060102150405"), user: "seed"}}, w.edits...)
	}
	return w
}

func generateText(words int) string {
	targetLen := words * 6
	var b strings.Builder
	b.Grow(targetLen)
	for b.Len() < targetLen {
		b.WriteString(loremCorpus)
	}
	return b.String()[:targetLen]
}

// churn periodically mutates a random page's text and bumps its
// revision, appending a matching recentchanges entry — enough to drive
// wikicache's invalidation path during a manual demo.
func (w *wiki) churn(period time.Duration) {
	i := 0
	for range time.Tick(period) {
		w.mu.Lock()
		title := fmt.Sprintf("Page %d", i%len(w.pages))
		i++
		pg := w.pages[title]
		pg.revid++
		pg.text = generateText(20) + " (edited)"
		w.edits = append([]edit{{title: title, timestamp: time.Now().UTC().Format("20060102150405"), user: "bot"}}, w.edits...)
		w.mu.Unlock()
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (w *wiki) handleAPI(rw http.ResponseWriter, r *http.Request) {
	time.Sleep(latency)
	r.ParseForm()
	switch {
	case r.Form.Get("list") == "recentchanges":
		w.handleRecentChanges(rw, r)
	case r.Form.Get("export") == "1":
		w.handleExport(rw, r)
	case r.Form.Get("prop") == "revisions":
		w.handleMetadata(rw, r)
	default:
		http.Error(rw, "unknown request shape", http.StatusBadRequest)
	}
}

func (w *wiki) handleRecentChanges(rw http.ResponseWriter, r *http.Request) {
	w.mu.Lock()
	defer w.mu.Unlock()

	rcend := r.Form.Get("rcend")
	limit, _ := strconv.Atoi(r.Form.Get("rclimit"))
	if limit == 0 {
		limit = 100
	}
	offset := 0
	if s := r.Form.Get("rccontinue"); s != "" {
		offset, _ = strconv.Atoi(s)
	}

	var batch []edit
	for i := offset; i < len(w.edits) && len(batch) < limit; i++ {
		if rcend != "" && w.edits[i].timestamp <= rcend {
			break
		}
		batch = append(batch, w.edits[i])
	}

	type rc struct {
		Title     string `yaml:"title"`
		User      string `yaml:"user"`
		Timestamp string `yaml:"timestamp"`
	}
	rs := make([]rc, len(batch))
	for i, e := range batch {
		rs[i] = rc{Title: e.title, User: e.user, Timestamp: e.timestamp}
	}
	out := map[string]interface{}{
		"query": map[string]interface{}{"recentchanges": rs},
	}
	if next := offset + len(batch); next < len(w.edits) {
		out["query-continue"] = map[string]interface{}{
			"recentchanges": map[string]string{"rccontinue": strconv.Itoa(next)},
		}
	}
	rw.Header().Set("Content-Type", "application/yaml")
	yaml.NewEncoder(rw).Encode(out)
}

func (w *wiki) handleMetadata(rw http.ResponseWriter, r *http.Request) {
	w.mu.Lock()
	defer w.mu.Unlock()

	titles := strings.Split(r.Form.Get("titles"), "|")
	var pages []map[string]interface{}
	for _, title := range titles {
		pg, ok := w.pages[title]
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
	rw.Header().Set("Content-Type", "application/yaml")
	yaml.NewEncoder(rw).Encode(out)
}

func (w *wiki) handleExport(rw http.ResponseWriter, r *http.Request) {
	w.mu.Lock()
	defer w.mu.Unlock()

	titles := strings.Split(r.Form.Get("titles"), "|")
	var sb strings.Builder
	sb.WriteString("<mediawiki><siteinfo></siteinfo>")
	for _, title := range titles {
		pg, ok := w.pages[title]
		if !ok || pg.missing {
			continue
		}
		fmt.Fprintf(&sb, "<page><title>%s</title><revision><id>%d</id><text>%s</text></revision></page>", title, pg.revid, pg.text)
	}
	sb.WriteString("</mediawiki>")
	rw.Header().Set("Content-Type", "application/xml")
	rw.Write([]byte(sb.String()))
}
