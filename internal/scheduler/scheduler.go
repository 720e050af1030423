package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/halvorsen/wikicache/internal/model"
	"github.com/halvorsen/wikicache/internal/rategate"
	"github.com/halvorsen/wikicache/internal/upstream"
	"github.com/halvorsen/wikicache/internal/wikierr"
)

// Batch thresholds from spec §4.5 — kept in lockstep with the upstream
// client's own per-call limits, since a batch larger than the upstream
// call could accept would never be dispatchable.
const (
	MetadataBatchThreshold = upstream.MetadataBatchLimit
	ExportBatchThreshold   = upstream.ExportBatchLimit
)

// idleFloor bounds how long the scheduler sleeps between idle-sync
// attempts once incoming work and the rate gate have both quiesced, so
// the loop stays responsive to new arrivals without busy-spinning.
const idleFloor = 200 * time.Millisecond

// Store is the slice of the persistent store the scheduler needs to
// apply metadata and export results. Scoped to a single wiki at
// construction time.
type Store interface {
	GetPage(ctx context.Context, wiki, title string) (model.PageRecord, bool, error)
	UpsertPage(ctx context.Context, rec model.PageRecord) error
}

// UpstreamClient is the slice of the upstream client the scheduler
// drives directly (recent-changes is driven by the sync engine instead).
type UpstreamClient interface {
	Metadata(ctx context.Context, titles []string) (map[string]upstream.PageInfo, error)
	Export(ctx context.Context, titles []string) ([]upstream.ExportedPage, error)
}

// SyncEngine is invoked by the scheduler whenever it has nothing pending
// to dispatch.
type SyncEngine interface {
	MaybeSync(ctx context.Context, forceSync bool) error
}

// Scheduler is the single cooperative task described in spec §4.6: one
// instance per cache, one goroutine running Run.
type Scheduler struct {
	wiki   string
	store  Store
	client UpstreamClient
	sync   SyncEngine
	gate   *rategate.Gate
	logger *slog.Logger

	incoming chan *submission

	mu         chan struct{} // binary semaphore; see lock/unlock below
	groups     map[GroupKey]*group
	groupOrder []GroupKey
}

// New creates a Scheduler for wiki, sharing gate with the sync engine so
// every upstream call — whichever component issues it — is spaced out
// identically.
func New(wiki string, store Store, client UpstreamClient, sync SyncEngine, gate *rategate.Gate, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		wiki:     wiki,
		store:    store,
		client:   client,
		sync:     sync,
		gate:     gate,
		logger:   logger,
		incoming: make(chan *submission, 256),
		mu:       make(chan struct{}, 1),
		groups:   make(map[GroupKey]*group),
	}
	s.mu <- struct{}{}
	return s
}

func (s *Scheduler) lock()   { <-s.mu }
func (s *Scheduler) unlock() { s.mu <- struct{}{} }

// SubmitMetadata enqueues a metadata work item for title with the given
// token set and returns its Completion. Concurrent submissions for the
// same (token set, title) coalesce onto one upstream call.
func (s *Scheduler) SubmitMetadata(ctx context.Context, title string, tokens TokenSet) (*Completion, error) {
	canon, key := tokens.canonical()
	c := newCompletion()
	sub := &submission{
		key:    GroupKey{Kind: KindMetadata, TokenKey: key},
		tokens: canon,
		title:  title,
		c:      c,
	}
	return s.enqueue(ctx, sub)
}

// SubmitExport enqueues an export work item for title and returns its
// Completion.
func (s *Scheduler) SubmitExport(ctx context.Context, title string) (*Completion, error) {
	c := newCompletion()
	sub := &submission{key: GroupKey{Kind: KindExport}, title: title, c: c}
	return s.enqueue(ctx, sub)
}

func (s *Scheduler) enqueue(ctx context.Context, sub *submission) (*Completion, error) {
	select {
	case s.incoming <- sub:
		return sub.c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run drives the scheduler loop until ctx is done. It is meant to run in
// its own goroutine, exactly one per Scheduler.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		s.drainIncoming()

		if wait := s.gate.Remaining(); wait > 0 {
			select {
			case sub := <-s.incoming:
				s.insert(sub)
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			continue
		}

		key, ok := s.pickGroup()
		if !ok {
			if err := s.sync.MaybeSync(ctx, false); err != nil {
				s.logger.Warn("idle sync attempt failed", "wiki", s.wiki, "error", err)
			}
			select {
			case sub := <-s.incoming:
				s.insert(sub)
			case <-time.After(idleFloor):
			case <-ctx.Done():
				return
			}
			continue
		}

		s.dispatch(ctx, key)
	}
}

// drainIncoming pulls every currently-queued submission into groups
// without blocking.
func (s *Scheduler) drainIncoming() {
	for {
		select {
		case sub := <-s.incoming:
			s.insert(sub)
		default:
			return
		}
	}
}

func (s *Scheduler) insert(sub *submission) {
	s.lock()
	defer s.unlock()
	g, ok := s.groups[sub.key]
	if !ok {
		g = newGroup(sub.key, sub.tokens)
		s.groups[sub.key] = g
		s.groupOrder = append(s.groupOrder, sub.key)
	}
	g.add(sub.title, sub.c)
}

// pickGroup selects the group with the largest pending size, tie-broken
// by earliest insertion — spec §4.6's "always flush the fullest group"
// priority rule.
func (s *Scheduler) pickGroup() (GroupKey, bool) {
	s.lock()
	defer s.unlock()
	var best GroupKey
	bestSize := 0
	found := false
	for _, key := range s.groupOrder {
		g, ok := s.groups[key]
		if !ok || g.size() == 0 {
			continue
		}
		if !found || g.size() > bestSize {
			best, bestSize, found = key, g.size(), true
		}
	}
	return best, found
}

func threshold(kind WorkKind) int {
	if kind == KindExport {
		return ExportBatchThreshold
	}
	return MetadataBatchThreshold
}

func (s *Scheduler) dispatch(ctx context.Context, key GroupKey) {
	s.lock()
	g := s.groups[key]
	var titles []string
	var tokens []string
	if g != nil {
		titles = g.take(threshold(key.Kind))
		tokens = g.tokens
	}
	s.unlock()
	if len(titles) == 0 {
		return
	}

	// The rate gate is enforced exactly once per call, inside the
	// upstream client itself (internal/upstream.Client.call/Export) — not
	// here. Dispatching straight into client.Metadata/client.Export lets
	// that single WaitThenMark serialize every outbound request; gating
	// here too would force each call to wait out a second, spurious
	// interval on top of the correct one.
	switch key.Kind {
	case KindMetadata:
		s.dispatchMetadata(ctx, titles, tokens)
	case KindExport:
		s.dispatchExport(ctx, titles)
	}
}

func (s *Scheduler) dispatchMetadata(ctx context.Context, titles []string, tokens []string) {
	infos, err := s.client.Metadata(ctx, titles)
	if err != nil {
		s.handleBatchError(KindMetadata, GroupKey{Kind: KindMetadata, TokenKey: joinTokens(tokens)}, titles, err)
		return
	}
	for title, info := range infos {
		if err := s.applyMetadata(ctx, title, info); err != nil {
			s.logger.Error("applying metadata result", "wiki", s.wiki, "title", title, "error", err)
			continue
		}
		s.fanOutMetadata(title, tokens, info)
	}
}

func (s *Scheduler) dispatchExport(ctx context.Context, titles []string) {
	pages, err := s.client.Export(ctx, titles)
	if err != nil {
		s.handleBatchError(KindExport, GroupKey{Kind: KindExport}, titles, err)
		return
	}
	for _, pg := range pages {
		if err := s.applyExport(ctx, pg); err != nil {
			s.logger.Error("applying export result", "wiki", s.wiki, "title", pg.Title, "error", err)
			continue
		}
		s.resolveEntry(GroupKey{Kind: KindExport}, pg.Title, struct{}{}, nil)
	}
}

// handleBatchError classifies the failure. UpstreamTransient leaves the
// batch's entries pending for a later round (spec §7); UpstreamFatal
// fails every waiter in this specific batch and removes its entries.
func (s *Scheduler) handleBatchError(kind WorkKind, dispatchedKey GroupKey, titles []string, err error) {
	s.logger.Warn("upstream batch failed", "wiki", s.wiki, "kind", kind.String(), "count", len(titles), "error", err)
	if !errors.Is(err, wikierr.ErrUpstreamFatal) {
		return
	}
	s.lock()
	defer s.unlock()
	g, ok := s.groups[dispatchedKey]
	if !ok {
		return
	}
	for _, title := range titles {
		if e := g.remove(title); e != nil {
			for _, w := range e.waiters {
				w.resolve(nil, err)
			}
		}
	}
}

// fanOutMetadata resolves title in its own group and in every other
// metadata group whose token set is a subset of the dispatched one, per
// spec §4.6's generalized fan-out rule (today token sets are always
// empty, so this degenerates to a single group).
func (s *Scheduler) fanOutMetadata(title string, dispatchedTokens []string, info upstream.PageInfo) {
	s.lock()
	defer s.unlock()
	for _, key := range s.groupOrder {
		if key.Kind != KindMetadata {
			continue
		}
		g, ok := s.groups[key]
		if !ok || !subsetOf(g.tokens, dispatchedTokens) {
			continue
		}
		if e := g.remove(title); e != nil {
			for _, w := range e.waiters {
				w.resolve(info, nil)
			}
		}
	}
}

func (s *Scheduler) resolveEntry(key GroupKey, title string, value interface{}, err error) {
	s.lock()
	defer s.unlock()
	g, ok := s.groups[key]
	if !ok {
		return
	}
	if e := g.remove(title); e != nil {
		for _, w := range e.waiters {
			w.resolve(value, err)
		}
	}
}

func joinTokens(tokens []string) string {
	ts := TokenSet(tokens)
	_, key := ts.canonical()
	return key
}

// applyMetadata writes a metadata result into the store. A missing page
// is recorded as confirmed-absent (revision = last_revision = 0,
// contents = null, per invariant I2); otherwise only last_revision is
// touched, leaving any previously fetched contents/revision alone until
// a subsequent export resolves the mismatch.
func (s *Scheduler) applyMetadata(ctx context.Context, title string, info upstream.PageInfo) error {
	rec, _, err := s.store.GetPage(ctx, s.wiki, title)
	if err != nil {
		return fmt.Errorf("%w: get page: %v", wikierr.ErrStoreUnavailable, err)
	}
	rec.Wiki = s.wiki
	rec.Title = title

	if info.Missing {
		zero := int64(0)
		rec.Revision = &zero
		rec.LastRevision = &zero
		rec.Contents = nil
	} else {
		last := info.LastRevID
		rec.LastRevision = &last
	}
	if err := s.store.UpsertPage(ctx, rec); err != nil {
		return fmt.Errorf("%w: upsert page: %v", wikierr.ErrStoreUnavailable, err)
	}
	return nil
}

// applyExport writes a fetched page body into the store: both revision
// fields converge on the fetched revid, per invariant I1.
func (s *Scheduler) applyExport(ctx context.Context, pg upstream.ExportedPage) error {
	rec, _, err := s.store.GetPage(ctx, s.wiki, pg.Title)
	if err != nil {
		return fmt.Errorf("%w: get page: %v", wikierr.ErrStoreUnavailable, err)
	}
	rec.Wiki = s.wiki
	rec.Title = pg.Title
	revid := pg.RevID
	text := pg.Text
	rec.Revision = &revid
	rec.LastRevision = &revid
	rec.Contents = &text
	if err := s.store.UpsertPage(ctx, rec); err != nil {
		return fmt.Errorf("%w: upsert page: %v", wikierr.ErrStoreUnavailable, err)
	}
	return nil
}
