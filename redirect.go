package wikicache

import (
	"context"
	"regexp"
	"strings"

	"github.com/halvorsen/wikicache/internal/model"
)

// redirectPattern matches MediaWiki's "#REDIRECT [[Target]]" convention
// at the start of a page's wikitext. original_source never defines a
// redirect_target() helper despite calling one; this is this
// implementation's concrete choice of what that helper should do.
var redirectPattern = regexp.MustCompile(`(?i)^\s*#REDIRECT\s*\[\[([^\]|]+)\]\]`)

// resolveWithRedirect implements Get's follow_redirect=true path: it
// resolves title normally first (a redirect page's target is only known
// once the redirect page's own wikitext has been fetched), and if that
// page's contents are a redirect marker, resolves the target next. If
// the target turns out to be absent upstream, it falls back to the
// original page's own contents.
func (c *Cache) resolveWithRedirect(ctx context.Context, h *Handle, title string) {
	base := newHandle()
	c.resolveLoop(ctx, base, title)
	if err := base.Wait(ctx); err != nil {
		h.fail(err)
		return
	}
	if !base.Exists() {
		h.resolveValue(nil)
		return
	}

	text, _ := base.Text()
	target, isRedirect := parseRedirectTarget(text)
	if !isRedirect {
		h.resolveValue(&text)
		return
	}

	redirected := newHandle()
	c.resolveLoop(ctx, redirected, target)
	if err := redirected.Wait(ctx); err != nil {
		h.fail(err)
		return
	}
	if redirected.Exists() {
		targetText, _ := redirected.Text()
		h.resolveValue(&targetText)
		return
	}
	// Redirect target is absent upstream: fall through to the
	// redirect page's own contents rather than reporting absence.
	h.resolveValue(&text)
}

func parseRedirectTarget(text string) (string, bool) {
	m := redirectPattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return model.NormalizeTitle(strings.TrimSpace(m[1])), true
}
