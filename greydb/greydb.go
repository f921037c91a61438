// Package greydb provides the key/value stores that hold greylist and
// auto-whitelist state.
//
// A store is a flat map of string keys to string values. Two backends exist:
// an embedded bolt database ("gdbm" scheme, after the original file format)
// and redis ("redis-unix" and "redis-tcp" schemes). Both are safe for
// concurrent use by the policy workers and the maintenance sweeper.
package greydb

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/coffeecupcoding/tprt/mlog"
)

var xlog = mlog.New("greydb")

// Store is the capability the policy engine and sweeper depend on.
type Store interface {
	// Get looks up a value. Absence is not an error.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Update writes a key/value pair, creating or overwriting.
	Update(ctx context.Context, key, value string) error

	// Delete removes a key. Deleting an absent key is not an error: the
	// sweeper and another instance may race for the same expired key.
	Delete(ctx context.Context, key string) error

	// Save is a durability barrier. A no-op for stores that persist on each
	// write.
	Save(ctx context.Context) error

	// Scan visits every key/value pair and collects the keys for which pred
	// returns true.
	Scan(ctx context.Context, pred func(key, value string) bool) ([]string, error)

	// Backend returns a short backend name, for logging and metrics.
	Backend() string

	// Close releases the store. Only called during shutdown, after Save.
	Close() error
}

// Open opens a store for a URL. The scheme selects the backend:
// gdbm:///path, redis-unix://user:pw@/path, redis-tcp://host:port/?db=N.
func Open(ctx context.Context, storeURL string) (Store, error) {
	u, err := url.Parse(storeURL)
	if err != nil {
		return nil, fmt.Errorf("parsing store url: %v", err)
	}
	switch u.Scheme {
	case "gdbm":
		return openBolt(ctx, u.Path)
	case "redis-unix", "redis-tcp":
		return openRedis(ctx, u)
	default:
		return nil, fmt.Errorf("unknown store scheme %q", u.Scheme)
	}
}

// Entry is a parsed store value: how often the tuple was seen past the delay
// and when it was last seen.
type Entry struct {
	Count    int64 // 0 means seen but not yet passed.
	LastSeen int64 // Unix seconds.
}

// ParseEntry parses the "<count>,<last_seen>" value encoding.
func ParseEntry(s string) (Entry, error) {
	count, last, found := strings.Cut(s, ",")
	if !found {
		return Entry{}, fmt.Errorf("malformed entry %q: missing separator", s)
	}
	var e Entry
	var err error
	if e.Count, err = strconv.ParseInt(count, 10, 64); err != nil {
		return Entry{}, fmt.Errorf("malformed entry count %q: %v", count, err)
	}
	if e.Count < 0 {
		return Entry{}, fmt.Errorf("negative entry count %q", count)
	}
	if e.LastSeen, err = strconv.ParseInt(last, 10, 64); err != nil {
		return Entry{}, fmt.Errorf("malformed entry timestamp %q: %v", last, err)
	}
	return e, nil
}

// String encodes the entry as stored.
func (e Entry) String() string {
	return fmt.Sprintf("%d,%d", e.Count, e.LastSeen)
}
