package policyd

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coffeecupcoding/tprt/greydb"
	"github.com/coffeecupcoding/tprt/mlog"
	"github.com/coffeecupcoding/tprt/whitelist"
)

// memStore is an in-memory greydb.Store for tests.
type memStore struct {
	sync.Mutex
	m map[string]string
}

func newMemStore() *memStore {
	return &memStore{m: map[string]string{}}
}

func (s *memStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.Lock()
	defer s.Unlock()
	v, ok := s.m[key]
	return v, ok, nil
}

func (s *memStore) Update(ctx context.Context, key, value string) error {
	s.Lock()
	defer s.Unlock()
	s.m[key] = value
	return nil
}

func (s *memStore) Delete(ctx context.Context, key string) error {
	s.Lock()
	defer s.Unlock()
	delete(s.m, key)
	return nil
}

func (s *memStore) Save(ctx context.Context) error { return nil }

func (s *memStore) Scan(ctx context.Context, pred func(key, value string) bool) ([]string, error) {
	s.Lock()
	defer s.Unlock()
	var keys []string
	for k, v := range s.m {
		if pred(k, v) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *memStore) Backend() string { return "mem" }
func (s *memStore) Close() error    { return nil }

func (s *memStore) get(t *testing.T, key string) string {
	t.Helper()
	s.Lock()
	defer s.Unlock()
	v, ok := s.m[key]
	if !ok {
		t.Fatalf("key %q not in store", key)
	}
	return v
}

func (s *memStore) size() int {
	s.Lock()
	defer s.Unlock()
	return len(s.m)
}

func testEngine(grey, awl greydb.Store, set *whitelist.Set) *Engine {
	if set == nil {
		set = &whitelist.Set{}
	}
	return &Engine{
		GreyDB:      grey,
		AWLDB:       awl,
		Whitelist:   whitelist.NewLive(set),
		Hostname:    "mx.ours.test",
		V4Mask:      20,
		V6Mask:      64,
		Delay:       60,
		RetryWindow: 172800,
		Action:      "DEFER_IF_PERMIT",
		Text:        "Greylisted, please retry in {wait} seconds",
		Header:      "X-Greylist: delayed {delay} seconds at {hostname}; {date}",
		HashKeys:    true,
		AWLCount:    0,
	}
}

func testRequest(addr, name, sender, recipient string) *Request {
	return &Request{Attrs: map[string]string{
		"request":        "smtpd_access_policy",
		"client_address": addr,
		"client_name":    name,
		"sender":         sender,
		"recipient":      recipient,
		"protocol_state": "RCPT",
	}}
}

var testLog = mlog.New("policyd")

func TestDecide(t *testing.T) {
	grey := newMemStore()
	e := testEngine(grey, nil, nil)
	ctx := context.Background()

	req := testRequest("192.0.2.44", "mail.example.com", "alice@example.com", "bob@ours.test")
	key := GreylistKey("192.0.0.0/20", "alice@example.com", "bob@ours.test", true)

	check := func(now int64, exp string) {
		t.Helper()
		got := e.Decide(ctx, testLog, req, time.Unix(now, 0))
		if got != exp {
			t.Fatalf("decide at %d: got %q, expected %q", now, got, exp)
		}
	}
	checkStore := func(exp string) {
		t.Helper()
		if v := grey.get(t, key); v != exp {
			t.Fatalf("store value %q, expected %q", v, exp)
		}
	}

	// New tuple is deferred with the full delay and recorded as 0,now.
	check(1000, "action=DEFER_IF_PERMIT Greylisted, please retry in 60 seconds")
	checkStore("0,1000")

	// Retry within the delay: remaining wait, no store update.
	check(1030, "action=DEFER_IF_PERMIT Greylisted, please retry in 30 seconds")
	checkStore("0,1000")

	// Retry after the delay, within the window: first pass.
	date := time.Unix(1070, 0).Format(time.ANSIC)
	check(1070, "action=PREPEND X-Greylist: delayed 70 seconds at mx.ours.test; "+date)
	checkStore("1,1070")

	// Passed before: neutral, count and timestamp advance.
	check(1080, "action=DUNNO")
	checkStore("2,1080")
	check(1090, "action=DUNNO")
	checkStore("3,1090")
}

func TestDecideRetryWindow(t *testing.T) {
	grey := newMemStore()
	e := testEngine(grey, nil, nil)
	ctx := context.Background()

	req := testRequest("192.0.2.44", "mail.example.com", "alice@example.com", "bob@ours.test")
	key := GreylistKey("192.0.0.0/20", "alice@example.com", "bob@ours.test", true)

	e.Decide(ctx, testLog, req, time.Unix(1000, 0))
	// The retry window expired: the tuple starts over, with a fresh timestamp.
	late := int64(1000 + 172800 + 1)
	got := e.Decide(ctx, testLog, req, time.Unix(late, 0))
	if got != "action=DEFER_IF_PERMIT Greylisted, please retry in 60 seconds" {
		t.Fatalf("late retry: got %q", got)
	}
	if v := grey.get(t, key); v != fmt.Sprintf("0,%d", late) {
		t.Fatalf("late retry store value %q", v)
	}
}

func TestDecideClockBackward(t *testing.T) {
	grey := newMemStore()
	e := testEngine(grey, nil, nil)
	ctx := context.Background()

	req := testRequest("192.0.2.44", "mail.example.com", "alice@example.com", "bob@ours.test")
	key := GreylistKey("192.0.0.0/20", "alice@example.com", "bob@ours.test", true)

	e.Decide(ctx, testLog, req, time.Unix(1000, 0))
	// Clock stepped backward: waited is clamped to 0, the entry keeps its
	// original timestamp.
	got := e.Decide(ctx, testLog, req, time.Unix(900, 0))
	if got != "action=DEFER_IF_PERMIT Greylisted, please retry in 60 seconds" {
		t.Fatalf("clock backward: got %q", got)
	}
	if v := grey.get(t, key); v != "0,1000" {
		t.Fatalf("clock backward store value %q", v)
	}
}

func TestDecideInvalid(t *testing.T) {
	grey := newMemStore()
	e := testEngine(grey, nil, nil)
	ctx := context.Background()

	check := func(req *Request) {
		t.Helper()
		if got := e.Decide(ctx, testLog, req, time.Unix(1000, 0)); got != "action=DUNNO" {
			t.Fatalf("got %q, expected neutral action", got)
		}
		if grey.size() != 0 {
			t.Fatalf("store was written for invalid request")
		}
	}

	// Wrong request type.
	r := testRequest("192.0.2.44", "mail.example.com", "alice@example.com", "bob@ours.test")
	r.Attrs["request"] = "junk"
	check(r)
	// Missing significant attribute.
	r = testRequest("192.0.2.44", "mail.example.com", "", "bob@ours.test")
	check(r)
	// Unparseable client address.
	r = testRequest("300.300.300.300", "mail.example.com", "alice@example.com", "bob@ours.test")
	check(r)
}

func TestDecideWhitelist(t *testing.T) {
	grey := newMemStore()
	// Whole recipient domain whitelisted, the compiled form of the literal
	// entry "@ours.test".
	set := &whitelist.Set{
		Recipients: []*regexp.Regexp{regexp.MustCompile(`(?i)^.+(?:\+[^@]+)?@ours\.test$`)},
	}
	reqWL := testRequest("192.0.2.44", "mail.example.com", "alice@example.com", "bob@ours.test")
	e := testEngine(grey, nil, set)
	ctx := context.Background()

	if got := e.Decide(ctx, testLog, reqWL, time.Unix(1000, 0)); got != "action=DUNNO" {
		t.Fatalf("whitelisted request: got %q", got)
	}
	if grey.size() != 0 {
		t.Fatalf("store was written for whitelisted request")
	}
	// Regardless of existing greylist state.
	key := GreylistKey("192.0.0.0/20", "alice@example.com", "bob@ours.test", true)
	grey.Update(ctx, key, "0,500")
	if got := e.Decide(ctx, testLog, reqWL, time.Unix(1000, 0)); got != "action=DUNNO" {
		t.Fatalf("whitelisted request with state: got %q", got)
	}
	if v := grey.get(t, key); v != "0,500" {
		t.Fatalf("whitelisted request updated store: %q", v)
	}
}

func TestDecideAutoWhitelist(t *testing.T) {
	grey := newMemStore()
	awl := newMemStore()
	e := testEngine(grey, awl, nil)
	e.AWLCount = 3
	ctx := context.Background()

	req := testRequest("192.0.2.44", "mail.example.com", "alice@example.com", "bob@ours.test")
	awlKey := AutoWhitelistKey("192.0.0.0/20", true)

	// First pass bumps the network counter.
	e.Decide(ctx, testLog, req, time.Unix(1000, 0))
	e.Decide(ctx, testLog, req, time.Unix(1070, 0))
	if v := awl.get(t, awlKey); v != "1,1070" {
		t.Fatalf("awl value %q after first pass", v)
	}
	// Subsequent deliveries keep counting.
	e.Decide(ctx, testLog, req, time.Unix(1080, 0))
	e.Decide(ctx, testLog, req, time.Unix(1090, 0))
	if v := awl.get(t, awlKey); v != "3,1090" {
		t.Fatalf("awl value %q after deliveries", v)
	}

	// The network is now trusted: a fresh tuple from the same network skips
	// greylisting and leaves the greylist store unchanged.
	before := grey.size()
	fresh := testRequest("192.0.2.45", "mail.example.com", "carol@example.com", "bob@ours.test")
	if got := e.Decide(ctx, testLog, fresh, time.Unix(2000, 0)); got != "action=DUNNO" {
		t.Fatalf("auto-whitelisted request: got %q", got)
	}
	if grey.size() != before {
		t.Fatalf("greylist store written for auto-whitelisted request")
	}
}

func TestDecideConcurrent(t *testing.T) {
	// Concurrent identical requests: each request advances the tuple state at
	// most once, every request observes a passing or already-passed state, and
	// the final entry carries the latest timestamp.
	grey := newMemStore()
	e := testEngine(grey, nil, nil)
	ctx := context.Background()

	req := testRequest("192.0.2.44", "mail.example.com", "alice@example.com", "bob@ours.test")
	key := GreylistKey("192.0.0.0/20", "alice@example.com", "bob@ours.test", true)

	e.Decide(ctx, testLog, req, time.Unix(1000, 0))

	const k = 16
	now := time.Unix(1070, 0)
	var wg sync.WaitGroup
	responses := make([]string, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i] = e.Decide(ctx, testLog, req, now)
		}(i)
	}
	wg.Wait()

	advanced := 0
	for _, resp := range responses {
		if resp == "action=DUNNO" || strings.HasPrefix(resp, "action=PREPEND ") {
			advanced++
		} else {
			t.Fatalf("unexpected concurrent response %q", resp)
		}
	}
	entry, err := greydb.ParseEntry(grey.get(t, key))
	if err != nil {
		t.Fatalf("parsing final entry: %v", err)
	}
	if entry.LastSeen != 1070 {
		t.Fatalf("final last_seen %d, expected 1070", entry.LastSeen)
	}
	// Interleavings may let several requests take the first pass, but the
	// count never exceeds the number of advancing requests and never demotes
	// to 0.
	if entry.Count < 1 || entry.Count > int64(advanced) {
		t.Fatalf("final count %d with %d advancing requests", entry.Count, advanced)
	}
}
