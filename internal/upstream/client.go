// Package upstream is the MediaWiki API client (spec C3): three idempotent
// remote calls — recent-changes, metadata, export — each rate-gated and
// blocking from the caller's perspective.
package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/halvorsen/wikicache/internal/rategate"
	"github.com/halvorsen/wikicache/internal/wikierr"
	"gopkg.in/yaml.v3"
)

// Batch size limits from spec §4.3.
const (
	MetadataBatchLimit = 50
	ExportBatchLimit    = 20
)

// ChangeEntry is one entry of a recent-changes page, newest-first.
type ChangeEntry struct {
	Title     string
	Timestamp string
	User      string
}

// Continuation is an opaque token set threaded verbatim into the next
// recent-changes call. A nil Continuation means there is nothing more to
// page through.
type Continuation map[string]string

// PageInfo is one title's metadata response.
type PageInfo struct {
	Title     string
	Missing   bool
	LastRevID int64
}

// ExportedPage is one page parsed out of an export document.
type ExportedPage struct {
	Title string
	RevID int64
	Text  string
}

// Client is the MediaWiki API client. All three operations pass through
// the shared Gate before making a request.
type Client struct {
	baseURL    string
	httpClient *http.Client
	gate       *rategate.Gate
}

// New creates a Client posting to baseURL, rate-gated by gate.
func New(baseURL string, gate *rategate.Gate) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	return &Client{
		baseURL:    baseURL,
		gate:       gate,
		httpClient: &http.Client{Transport: transport, Timeout: 60 * time.Second},
	}
}

// RecentChanges pages through the recent-changes feed, newest-first, down
// to rcend. limit bounds the page size (rclimit); cont, if non-nil,
// threads a prior continuation token back in verbatim.
func (c *Client) RecentChanges(ctx context.Context, rcend string, limit int, cont Continuation) ([]ChangeEntry, Continuation, error) {
	params := url.Values{}
	params.Set("action", "query")
	params.Set("list", "recentchanges")
	params.Set("rcprop", "title|user|timestamp")
	params.Set("rclimit", strconv.Itoa(limit))
	if rcend != "" {
		params.Set("rcend", rcend)
	}
	for k, v := range cont {
		params.Set(k, v)
	}

	var body recentChangesResponse
	if err := c.call(ctx, params, &body); err != nil {
		return nil, nil, err
	}

	changes := make([]ChangeEntry, 0, len(body.Query.RecentChanges))
	for _, rc := range body.Query.RecentChanges {
		changes = append(changes, ChangeEntry{Title: rc.Title, Timestamp: rc.Timestamp, User: rc.User})
	}

	var next Continuation
	if len(body.QueryContinue.RecentChanges) > 0 {
		next = Continuation(body.QueryContinue.RecentChanges)
	}
	return changes, next, nil
}

// Metadata fetches lastrevid/missing status for up to MetadataBatchLimit
// titles in one call.
func (c *Client) Metadata(ctx context.Context, titles []string) (map[string]PageInfo, error) {
	if len(titles) == 0 {
		return map[string]PageInfo{}, nil
	}
	if len(titles) > MetadataBatchLimit {
		return nil, fmt.Errorf("upstream: metadata batch of %d exceeds limit %d", len(titles), MetadataBatchLimit)
	}

	params := url.Values{}
	params.Set("action", "query")
	params.Set("prop", "revisions")
	params.Set("info", "lastrevid")
	params.Set("titles", strings.Join(titles, "|"))

	var body metadataResponse
	if err := c.call(ctx, params, &body); err != nil {
		return nil, err
	}
	if len(body.Query.Normalized) > 0 {
		return nil, fmt.Errorf("%w: metadata response contained normalized titles", wikierr.ErrUpstreamFatal)
	}

	out := make(map[string]PageInfo, len(body.Query.Pages))
	for _, raw := range body.Query.Pages {
		title, _ := raw["title"].(string)
		if title == "" {
			continue
		}
		if _, missing := raw["missing"]; missing {
			out[title] = PageInfo{Title: title, Missing: true}
			continue
		}
		out[title] = PageInfo{Title: title, LastRevID: extractLastRevID(raw)}
	}
	return out, nil
}

// Export fetches full wikitext for up to ExportBatchLimit titles. None of
// titles may be a title already known to be missing upstream — the whole
// request errors out if one is.
func (c *Client) Export(ctx context.Context, titles []string) ([]ExportedPage, error) {
	if len(titles) == 0 {
		return nil, nil
	}
	if len(titles) > ExportBatchLimit {
		return nil, fmt.Errorf("upstream: export batch of %d exceeds limit %d", len(titles), ExportBatchLimit)
	}

	params := url.Values{}
	params.Set("action", "query")
	params.Set("export", "1")
	params.Set("exportnowrap", "1")
	params.Set("titles", strings.Join(titles, "|"))

	if err := c.gate.WaitThenMark(ctx); err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", wikierr.ErrUpstreamTransient, err)
	}
	defer resp.Body.Close()
	if err := statusError(resp.StatusCode); err != nil {
		return nil, err
	}

	return parseExport(resp.Body)
}

func extractLastRevID(raw map[string]interface{}) int64 {
	revs, _ := raw["revisions"].([]interface{})
	if len(revs) == 0 {
		return 0
	}
	rev, _ := revs[0].(map[string]interface{})
	return toInt64(rev["revid"])
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int64:
		return t
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

func (c *Client) call(ctx context.Context, params url.Values, out interface{}) error {
	params.Set("format", "yaml")
	if err := c.gate.WaitThenMark(ctx); err != nil {
		return err
	}
	resp, err := c.post(ctx, params)
	if err != nil {
		return fmt.Errorf("%w: %v", wikierr.ErrUpstreamTransient, err)
	}
	defer resp.Body.Close()
	if err := statusError(resp.StatusCode); err != nil {
		return err
	}
	if err := yaml.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", wikierr.ErrUpstreamTransient, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, params url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "wikicache/1.0")
	return c.httpClient.Do(req)
}

func statusError(status int) error {
	switch {
	case status >= 500:
		return fmt.Errorf("%w: upstream status %d", wikierr.ErrUpstreamTransient, status)
	case status >= 400:
		return fmt.Errorf("%w: upstream status %d", wikierr.ErrUpstreamFatal, status)
	default:
		return nil
	}
}

type recentChangesResponse struct {
	Query struct {
		RecentChanges []struct {
			Title     string `yaml:"title"`
			User      string `yaml:"user"`
			Timestamp string `yaml:"timestamp"`
		} `yaml:"recentchanges"`
	} `yaml:"query"`
	QueryContinue struct {
		RecentChanges map[string]string `yaml:"recentchanges"`
	} `yaml:"query-continue"`
}

type metadataResponse struct {
	Query struct {
		Normalized []map[string]string     `yaml:"normalized"`
		Pages      []map[string]interface{} `yaml:"pages"`
	} `yaml:"query"`
}
