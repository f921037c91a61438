// Package whitelist holds the matchers that exempt a request from
// greylisting.
//
// A Set is immutable once built. The live set is swapped wholesale on
// reload, so a request in flight matches against either the old or the new
// set, never a mixture.
package whitelist

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/coffeecupcoding/tprt/mlog"
)

var xlog = mlog.New("whitelist")

// Set is a compiled whitelist: four matchers, tried in order with
// short-circuit on the first hit.
type Set struct {
	V4Nets      []netip.Prefix
	V6Nets      []netip.Prefix
	ClientNames []*regexp.Regexp
	Recipients  []*regexp.Regexp
}

// Match reports whether any matcher accepts the request attributes.
func (s *Set) Match(addr netip.Addr, clientName, recipient string) bool {
	if addr.Is4() || addr.Is4In6() {
		ip := addr.Unmap()
		for _, p := range s.V4Nets {
			if p.Contains(ip) {
				return true
			}
		}
	} else {
		for _, p := range s.V6Nets {
			if p.Contains(addr) {
				return true
			}
		}
	}
	for _, re := range s.ClientNames {
		if re.MatchString(clientName) {
			return true
		}
	}
	for _, re := range s.Recipients {
		if re.MatchString(recipient) {
			return true
		}
	}
	return false
}

// Live holds the published whitelist set. Readers get a stable snapshot,
// the reloader publishes a fresh set with a single swap.
type Live struct {
	v atomic.Pointer[Set]
}

// NewLive returns a Live holding set.
func NewLive(set *Set) *Live {
	l := &Live{}
	l.v.Store(set)
	return l
}

// Current returns the published set.
func (l *Live) Current() *Set {
	return l.v.Load()
}

// Publish replaces the published set.
func (l *Live) Publish(set *Set) {
	l.v.Store(set)
}

// compileClientName compiles a client-name pattern, case-insensitive and
// anchored at the start.
func compileClientName(expr string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)^(?:" + expr + ")")
}

// compileRecipientRegex compiles a raw recipient pattern, case-insensitive
// and anchored at the start.
func compileRecipientRegex(expr string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)^(?:" + expr + ")")
}

// compileRecipientLiteral turns a user@domain entry into an anchored
// case-insensitive expression. The local part may carry a +extension. A
// missing half matches anything: "@ours.test" whitelists a whole domain,
// "helpdesk@" a local part at any domain.
func compileRecipientLiteral(entry string) (*regexp.Regexp, error) {
	if strings.Count(entry, "@") > 1 {
		return nil, fmt.Errorf("multiple @ in recipient %q", entry)
	}
	user, domain, _ := strings.Cut(entry, "@")
	if user == "" && domain == "" {
		return nil, fmt.Errorf("empty recipient entry")
	}
	if user == "" {
		user = ".+"
	} else {
		user = regexp.QuoteMeta(user)
	}
	if domain == "" {
		domain = ".+"
	} else {
		domain = regexp.QuoteMeta(domain)
	}
	return regexp.Compile("(?i)^" + user + `(?:\+[^@]+)?@` + domain + "$")
}
