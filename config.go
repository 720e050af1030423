package wikicache

import "time"

// Config is the enumerated configuration surface spec §6 describes. It
// is consumed directly by New; the YAML-file loader used by the demo
// binary lives in internal/config, and cmd/wikicached builds one of
// these from its result.
type Config struct {
	// URLBase is the upstream MediaWiki API endpoint, and doubles as
	// this cache's identity in the persistent store.
	URLBase string
	// DBURL is the store's location. An empty value means "a default
	// local file adjacent to the binary".
	DBURL string
	// ForceSync makes the very first sync attempt run unconditionally,
	// bypassing the idle-threshold skip that would otherwise apply if
	// the store already has a recent LastUpdate from a prior run.
	ForceSync bool
	// Limit is the minimum interval between outbound upstream calls
	// (the rate gate's parameter).
	Limit time.Duration
	// Verbose enables diagnostic logging.
	Verbose bool
}

const defaultDBFile = "wikicache.db"

func (c Config) dbURL() string {
	if c.DBURL == "" {
		return defaultDBFile
	}
	return c.DBURL
}
