package whitelist

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
)

func TestCompileRecipientLiteral(t *testing.T) {
	match := func(entry, recipient string, exp bool) {
		t.Helper()
		re, err := compileRecipientLiteral(entry)
		if err != nil {
			t.Fatalf("compiling %q: %v", entry, err)
		}
		if got := re.MatchString(recipient); got != exp {
			t.Fatalf("entry %q vs %q: got %v, expected %v", entry, recipient, got, exp)
		}
	}

	match("bob@ours.test", "bob@ours.test", true)
	match("bob@ours.test", "BOB@OURS.TEST", true)
	// An extension in the local part is accepted.
	match("bob@ours.test", "bob+spam@ours.test", true)
	match("bob@ours.test", "bobby@ours.test", false)
	match("bob@ours.test", "bob@ours.test.evil", false)
	// Escaping: the dot in the domain is literal.
	match("bob@ours.test", "bob@oursXtest", false)
	// Missing halves match anything on that side.
	match("@ours.test", "anyone@ours.test", true)
	match("@ours.test", "anyone@elsewhere.test", false)
	match("helpdesk@", "helpdesk@anywhere.test", true)
	match("helpdesk@", "other@anywhere.test", false)

	for _, entry := range []string{"", "@", "a@b@c"} {
		if _, err := compileRecipientLiteral(entry); err == nil {
			t.Fatalf("compiling %q did not fail", entry)
		}
	}
}

func TestSetMatch(t *testing.T) {
	set := &Set{}
	var err error
	add := func(e entry) {
		t.Helper()
		if err = set.add(e, true); err != nil {
			t.Fatalf("adding entry: %v", err)
		}
	}
	add(entry{Type: "ipv4_net", Net: "192.0.2.0", Mask: "24"})
	add(entry{Type: "ipv4_net", Net: "10.0.0.0", Mask: "255.0.0.0"})
	add(entry{Type: "ipv6_net", Net: "2001:db8::", Mask: "32"})
	add(entry{Type: "remote_regex", Regex: `mail\d*\.example\.com`})
	add(entry{Type: "recipient_literal", Recipient: "postmaster@ours.test"})
	add(entry{Type: "recipient_regex", Regex: `abuse@.*`})

	check := func(addr, clientName, recipient string, exp bool) {
		t.Helper()
		a := netip.MustParseAddr(addr)
		if got := set.Match(a, clientName, recipient); got != exp {
			t.Fatalf("match %s/%s/%s: got %v, expected %v", addr, clientName, recipient, got, exp)
		}
	}

	check("192.0.2.99", "other.test", "x@y.test", true)
	check("192.0.3.99", "other.test", "x@y.test", false)
	check("10.200.1.1", "other.test", "x@y.test", true)
	check("2001:db8:ffff::1", "other.test", "x@y.test", true)
	check("2001:db9::1", "other.test", "x@y.test", false)
	// Client name is anchored at the start, case-insensitive.
	check("198.51.100.1", "MAIL7.EXAMPLE.COM", "x@y.test", true)
	check("198.51.100.1", "xmail.example.com", "x@y.test", false)
	check("198.51.100.1", "mail.example.com.evil", "x@y.test", true)
	check("198.51.100.1", "other.test", "postmaster@ours.test", true)
	check("198.51.100.1", "other.test", "postmaster+q@ours.test", true)
	check("198.51.100.1", "other.test", "abuse@anywhere.test", true)
	check("198.51.100.1", "other.test", "bob@ours.test", false)
}

func TestRegexGate(t *testing.T) {
	set := &Set{}
	if err := set.add(entry{Type: "recipient_regex", Regex: ".*"}, false); err == nil {
		t.Fatalf("recipient_regex accepted with regex whitelisting disabled")
	}
	if err := set.add(entry{Type: "remote_regex", Regex: ".*"}, false); err == nil {
		t.Fatalf("remote_regex accepted with regex whitelisting disabled")
	}
	if len(set.Recipients) != 0 || len(set.ClientNames) != 0 {
		t.Fatalf("gated entries were added")
	}
}

func TestBadEntries(t *testing.T) {
	set := &Set{}
	bad := []entry{
		{Type: "unknown_type"},
		{Type: "ipv4_net", Net: "not-an-ip", Mask: "24"},
		{Type: "ipv4_net", Net: "2001:db8::", Mask: "24"},
		{Type: "ipv4_net", Net: "192.0.2.0", Mask: "33"},
		{Type: "ipv6_net", Net: "192.0.2.0", Mask: "24"},
		{Type: "recipient_literal", Recipient: ""},
		{Type: "recipient_regex", Regex: "("},
	}
	for _, e := range bad {
		if err := set.add(e, true); err == nil {
			t.Fatalf("entry %+v did not fail", e)
		}
	}
}

func TestBuildFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "whitelist")
	data := `{
	"friends": [
		{"type": "ipv4_net", "net": "192.0.2.0", "mask": 24},
		{"type": "recipient_literal", "recipient": "@ours.test"},
		{"type": "bogus_type"},
		{"type": "recipient_regex", "regex": "abuse@.*"}
	]
}`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatalf("writing whitelist file: %v", err)
	}

	// Regexes are gated off: the bogus and regex entries are skipped, the
	// rest loads.
	set := Build(context.Background(), []string{"file://" + path}, false)
	if len(set.V4Nets) != 1 || len(set.Recipients) != 1 {
		t.Fatalf("unexpected set %+v", set)
	}

	set = Build(context.Background(), []string{"file://" + path}, true)
	if len(set.Recipients) != 2 {
		t.Fatalf("regex entry not loaded when allowed")
	}

	// A missing source is skipped, the build still completes.
	set = Build(context.Background(), []string{"file:///nonexistent", "file://" + path}, false)
	if len(set.V4Nets) != 1 {
		t.Fatalf("build with failing source lost the good source")
	}
}

func TestLiveSwap(t *testing.T) {
	a := &Set{}
	b := &Set{}
	live := NewLive(a)
	if live.Current() != a {
		t.Fatalf("current is not the initial set")
	}
	live.Publish(b)
	if live.Current() != b {
		t.Fatalf("current is not the published set")
	}
}
