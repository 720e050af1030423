package scheduler

// entry is the queued-but-undispatched state for one coalescing key
// (a title) within a group: every Completion coalesced onto it fires
// together when the key is eventually resolved.
type entry struct {
	title   string
	waiters []*Completion
}

// group holds every pending entry for one group key, in first-arrival
// order, so a partial flush always takes the oldest titles first.
type group struct {
	key    GroupKey
	tokens []string // canonical; only meaningful for Metadata groups
	items  map[string]*entry
	order  []string
}

func newGroup(key GroupKey, tokens []string) *group {
	return &group{key: key, tokens: tokens, items: make(map[string]*entry)}
}

// add coalesces c onto title's entry, creating it if this is the first
// arrival for that coalescing key.
func (g *group) add(title string, c *Completion) {
	e, ok := g.items[title]
	if !ok {
		e = &entry{title: title}
		g.items[title] = e
		g.order = append(g.order, title)
	}
	e.waiters = append(e.waiters, c)
}

func (g *group) size() int { return len(g.items) }

// take returns up to n titles in arrival order, without removing them —
// a title is only removed once the response that serves it is applied.
func (g *group) take(n int) []string {
	if n > len(g.order) {
		n = len(g.order)
	}
	out := make([]string, n)
	copy(out, g.order[:n])
	return out
}

// remove pulls title's entry out of the group and returns it, or nil if
// title was never pending (or was already removed by an earlier fan-out).
func (g *group) remove(title string) *entry {
	e, ok := g.items[title]
	if !ok {
		return nil
	}
	delete(g.items, title)
	for i, t := range g.order {
		if t == title {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	return e
}
