package policyd

import (
	"testing"
)

func TestCleanSender(t *testing.T) {
	check := func(sender, exp string) {
		t.Helper()
		got := CleanSender(sender)
		if got != exp {
			t.Fatalf("clean %q: got %q, expected %q", sender, got, exp)
		}
		// Normalization must be stable.
		if again := CleanSender(got); again != got {
			t.Fatalf("clean %q: not idempotent, %q became %q", sender, got, again)
		}
	}

	check("alice@example.com", "alice@example.com")
	check("prvs=1234567890=alice@example.com", "alice@example.com")
	check("prvs=a1b2c3d4e5=alice@example.com", "alice@example.com")
	// Tag with wrong length or non-alphanumerics: only the first field is
	// dropped, and the leftover tag digits collapse like any digit run.
	check("prvs=12345=alice@example.com", "#=alice@example.com")
	check("prvs=123456789!=alice@example.com", "#!=alice@example.com")
	check("alice+lists@example.com", "alice@example.com")
	check("prvs=1234567890=alice+tag@example.com", "alice@example.com")
	// Isolated decimal runs in the local part collapse, the domain is untouched.
	check("bounce-1234-567@example.com", "bounce-#-#@example.com")
	check("user.20240101@mail7.example.com", "user.#@mail7.example.com")
	// Digits glued to letters stay.
	check("alice99@example.com", "alice99@example.com")
	check("99alice@example.com", "99alice@example.com")
	check("12345@example.com", "#@example.com")
	check("", "")
}

func TestNormalizedRemote(t *testing.T) {
	check := func(addr string, exp string) {
		t.Helper()
		got, err := NormalizedRemote(addr, 20, 64)
		if err != nil {
			t.Fatalf("normalize %q: %v", addr, err)
		}
		if got != exp {
			t.Fatalf("normalize %q: got %q, expected %q", addr, got, exp)
		}
	}

	check("192.0.2.44", "192.0.0.0/20")
	// Stable for any address within the prefix.
	check("192.0.15.255", "192.0.0.0/20")
	check("192.0.0.1", "192.0.0.0/20")
	check("2001:db8:1:2:3:4:5:6", "2001:db8:1:2::/64")
	check("::ffff:192.0.2.44", "192.0.0.0/20")

	if _, err := NormalizedRemote("not-an-ip", 20, 64); err == nil {
		t.Fatalf("normalize of junk address did not fail")
	}
	if _, err := NormalizedRemote("", 20, 64); err == nil {
		t.Fatalf("normalize of empty address did not fail")
	}
}

func TestGreylistKey(t *testing.T) {
	literal := GreylistKey("192.0.0.0/20", "Alice@Example.COM", "bob+spam@ours.test", false)
	if literal != "192.0.0.0/20/alice@example.com/bob+spam@ours.test" {
		t.Fatalf("unexpected literal key %q", literal)
	}

	hashed := GreylistKey("192.0.0.0/20", "alice@example.com", "bob+spam@ours.test", true)
	if len(hashed) != 40 {
		t.Fatalf("hashed key %q is not hex sha-1", hashed)
	}
	// Case folding happens before hashing.
	if hashed != GreylistKey("192.0.0.0/20", "ALICE@example.com", "BOB+spam@ours.test", true) {
		t.Fatalf("hashed key depends on case")
	}

	if AutoWhitelistKey("192.0.0.0/20", false) != "192.0.0.0/20" {
		t.Fatalf("unexpected literal auto-whitelist key")
	}
	if len(AutoWhitelistKey("192.0.0.0/20", true)) != 40 {
		t.Fatalf("auto-whitelist key not hashed")
	}
}
