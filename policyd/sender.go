package policyd

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"
)

// NormalizedRemote masks addr down to the configured prefix and renders it
// as "network/prefix". Any address within the same prefix yields the same
// string, which serves as the sender-network identity for greylisting and
// auto-whitelisting.
func NormalizedRemote(addr string, v4Bits, v6Bits int) (string, error) {
	a, err := netip.ParseAddr(addr)
	if err != nil {
		return "", fmt.Errorf("parsing client address %q: %v", addr, err)
	}
	a = a.Unmap()
	bits := v6Bits
	if a.Is4() {
		bits = v4Bits
	}
	p, err := a.Prefix(bits)
	if err != nil {
		return "", fmt.Errorf("masking client address %q: %v", addr, err)
	}
	return p.String(), nil
}

// CleanSender normalizes a sender address so that per-message variations map
// to the same greylist identity: a prvs= bounce-address-verification wrapper
// is stripped, a +extension is dropped from the local part, and isolated
// decimal runs in the local part collapse to a single "#". The domain is
// preserved verbatim. CleanSender is idempotent.
func CleanSender(sender string) string {
	sender = stripPrvs(sender)

	local, domain, found := strings.Cut(sender, "@")
	if i := strings.IndexByte(local, '+'); i >= 0 {
		local = local[:i]
	}
	local = collapseDigitRuns(local)
	if !found {
		return local
	}
	return local + "@" + domain
}

// stripPrvs removes a leading "prvs=TAG=" wrapper. The tag must be ten
// alphanumerics; on mismatch only the first "="-delimited field is dropped.
func stripPrvs(sender string) string {
	if !strings.HasPrefix(sender, "prvs=") {
		return sender
	}
	rest := sender[len("prvs="):]
	tag, after, found := strings.Cut(rest, "=")
	if found && isPrvsTag(tag) {
		return after
	}
	return rest
}

func isPrvsTag(tag string) bool {
	if len(tag) != 10 {
		return false
	}
	for i := 0; i < len(tag); i++ {
		c := tag[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return false
		}
	}
	return true
}

// collapseDigitRuns replaces each maximal run of decimal digits that is not
// adjacent to a letter with "#", so queue ids and timestamps in machine
// generated local parts don't defeat greylisting.
func collapseDigitRuns(local string) string {
	isAlnum := func(c byte) bool {
		return c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
	}
	var b strings.Builder
	for i := 0; i < len(local); {
		c := local[i]
		if c < '0' || c > '9' {
			b.WriteByte(c)
			i++
			continue
		}
		j := i
		for j < len(local) && local[j] >= '0' && local[j] <= '9' {
			j++
		}
		isolated := (i == 0 || !isAlnum(local[i-1])) && (j == len(local) || !isAlnum(local[j]))
		if isolated {
			b.WriteByte('#')
		} else {
			b.WriteString(local[i:j])
		}
		i = j
	}
	return b.String()
}

// GreylistKey derives the store key for a tuple: the case-folded
// remote/sender/recipient concatenation, hex SHA-1'd unless hashing is
// disabled.
func GreylistKey(remote, sender, recipient string, hash bool) string {
	key := strings.ToLower(remote + "/" + sender + "/" + recipient)
	if !hash {
		return key
	}
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

// AutoWhitelistKey derives the auto-whitelist store key for a sender
// network, hashed the same way as greylist keys.
func AutoWhitelistKey(remote string, hash bool) string {
	key := strings.ToLower(remote)
	if !hash {
		return key
	}
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}
