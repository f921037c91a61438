package whitelist

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/coffeecupcoding/tprt/greydb"
	"github.com/coffeecupcoding/tprt/metrics"
	"github.com/coffeecupcoding/tprt/mlog"
)

// entry is one whitelist element as stored in a JSON file or a redis hash.
type entry struct {
	Type      string     `json:"type"`
	Net       string     `json:"net"`
	Mask      flexString `json:"mask"`
	Recipient string     `json:"recipient"`
	Regex     string     `json:"regex"`
}

// flexString accepts both JSON strings and bare numbers, since masks appear
// as either in the wild.
type flexString string

func (s *flexString) UnmarshalJSON(buf []byte) error {
	if len(buf) > 0 && buf[0] == '"' {
		var v string
		if err := json.Unmarshal(buf, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	*s = flexString(string(buf))
	return nil
}

// Build reads all sources and compiles a fresh set. A source that cannot be
// read is logged and skipped; a malformed entry is logged and skipped. Build
// never fails wholesale: the result holds whatever succeeded.
func Build(ctx context.Context, sources []string, allowRegex bool) *Set {
	log := xlog.WithContext(ctx)
	set := &Set{}
	for _, source := range sources {
		u, err := url.Parse(source)
		if err != nil {
			log.Errorx("parsing whitelist source url, skipping", err)
			continue
		}
		var entries []entry
		switch u.Scheme {
		case "file":
			entries, err = loadFile(u.Path)
		case "redis-unix", "redis-tcp":
			entries, err = loadRedis(ctx, u)
		default:
			log.Error("unknown whitelist source scheme, skipping", mlog.Field("scheme", u.Scheme))
			continue
		}
		if err != nil {
			log.Errorx("reading whitelist source, skipping", err, mlog.Field("source", source))
			continue
		}
		for _, e := range entries {
			if err := set.add(e, allowRegex); err != nil {
				log.Errorx("skipping whitelist entry", err, mlog.Field("source", source))
			}
		}
	}
	log.Info("built whitelist set",
		mlog.Field("ipv4nets", len(set.V4Nets)),
		mlog.Field("ipv6nets", len(set.V6Nets)),
		mlog.Field("clientnames", len(set.ClientNames)),
		mlog.Field("recipients", len(set.Recipients)))
	return set
}

// Reload builds a fresh set from sources and publishes it on live.
func Reload(ctx context.Context, live *Live, sources []string, allowRegex bool) {
	live.Publish(Build(ctx, sources, allowRegex))
	metrics.WhitelistReloadInc("ok")
}

func (s *Set) add(e entry, allowRegex bool) error {
	switch e.Type {
	case "ipv4_net":
		p, err := parseNet(e.Net, string(e.Mask), 32)
		if err != nil {
			return fmt.Errorf("ipv4_net entry: %v", err)
		}
		s.V4Nets = append(s.V4Nets, p)
	case "ipv6_net":
		p, err := parseNet(e.Net, string(e.Mask), 128)
		if err != nil {
			return fmt.Errorf("ipv6_net entry: %v", err)
		}
		s.V6Nets = append(s.V6Nets, p)
	case "recipient_literal":
		re, err := compileRecipientLiteral(e.Recipient)
		if err != nil {
			return fmt.Errorf("recipient_literal entry: %v", err)
		}
		s.Recipients = append(s.Recipients, re)
	case "recipient_regex":
		if !allowRegex {
			return fmt.Errorf("recipient_regex entry present but regex whitelisting is disabled")
		}
		re, err := compileRecipientRegex(e.Regex)
		if err != nil {
			return fmt.Errorf("recipient_regex entry: %v", err)
		}
		s.Recipients = append(s.Recipients, re)
	case "remote_regex":
		if !allowRegex {
			return fmt.Errorf("remote_regex entry present but regex whitelisting is disabled")
		}
		re, err := compileClientName(e.Regex)
		if err != nil {
			return fmt.Errorf("remote_regex entry: %v", err)
		}
		s.ClientNames = append(s.ClientNames, re)
	default:
		return fmt.Errorf("unknown whitelist entry type %q", e.Type)
	}
	return nil
}

// parseNet parses a network and mask into a prefix. The mask is either a
// prefix length or, for IPv4, a dotted netmask.
func parseNet(network, mask string, maxBits int) (netip.Prefix, error) {
	addr, err := netip.ParseAddr(network)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("parsing network %q: %v", network, err)
	}
	bits := addr.BitLen()
	if bits != maxBits {
		return netip.Prefix{}, fmt.Errorf("network %q does not match entry type", network)
	}
	var length int
	if strings.Contains(mask, ".") {
		maskAddr, err := netip.ParseAddr(mask)
		if err != nil || !maskAddr.Is4() {
			return netip.Prefix{}, fmt.Errorf("parsing netmask %q", mask)
		}
		for _, b := range maskAddr.As4() {
			for ; b&0x80 != 0; b <<= 1 {
				length++
			}
		}
	} else {
		length, err = strconv.Atoi(mask)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("parsing mask %q: %v", mask, err)
		}
	}
	if length < 0 || length > maxBits {
		return netip.Prefix{}, fmt.Errorf("mask %q out of range", mask)
	}
	p, err := addr.Prefix(length)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("making prefix: %v", err)
	}
	return p, nil
}

// loadFile reads whitelists from a JSON file: a top-level mapping of
// whitelist names to arrays of entry objects.
func loadFile(path string) ([]entry, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lists map[string][]entry
	if err := json.Unmarshal(buf, &lists); err != nil {
		return nil, fmt.Errorf("parsing whitelist json: %v", err)
	}
	var entries []entry
	for _, l := range lists {
		entries = append(entries, l...)
	}
	return entries, nil
}

// loadRedis reads whitelists from a redis store: a root list "whitelists"
// holds names of sub-lists, each sub-list holds entry-key names, each
// entry-key maps to a hash with the same fields as a file entry.
func loadRedis(ctx context.Context, u *url.URL) ([]entry, error) {
	opts, err := greydb.RedisOptions(u)
	if err != nil {
		return nil, err
	}
	c := redis.NewClient(opts)
	defer c.Close()

	names, err := c.LRange(ctx, "whitelists", 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading whitelists root list: %v", err)
	}
	var entries []entry
	for _, name := range names {
		keys, err := c.LRange(ctx, name, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("reading whitelist %q: %v", name, err)
		}
		for _, key := range keys {
			fields, err := c.HGetAll(ctx, key).Result()
			if err != nil {
				return nil, fmt.Errorf("reading whitelist entry %q: %v", key, err)
			}
			entries = append(entries, entry{
				Type:      fields["type"],
				Net:       fields["net"],
				Mask:      flexString(fields["mask"]),
				Recipient: fields["recipient"],
				Regex:     fields["regex"],
			})
		}
	}
	return entries, nil
}
