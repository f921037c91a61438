package policyd

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"

	tprt "github.com/coffeecupcoding/tprt/tprt-"
)

func init() {
	// serve1 consults the shutdown state when registering connections.
	tprt.Shutdown, tprt.ShutdownCancel = context.WithCancel(context.Background())
	tprt.Context, tprt.ContextCancel = context.WithCancel(context.Background())
}

// roundtrip sends raw request bytes through a full connection worker and
// returns the response lines up to the terminating empty line.
func roundtrip(t *testing.T, e *Engine, request string) []string {
	t.Helper()

	client, server := net.Pipe()
	defer client.Close()
	done := make(chan struct{})
	go func() {
		serve1("test", tprt.Cid(), e, server)
		close(done)
	}()

	go func() {
		client.Write([]byte(request))
	}()

	r := bufio.NewReader(client)
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Errorf("reading response: %v", err)
			break
		}
		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			break
		}
		lines = append(lines, line)
	}
	<-done
	return lines
}

func TestServeConn(t *testing.T) {
	grey := newMemStore()
	e := testEngine(grey, nil, nil)

	request := "request=smtpd_access_policy\n" +
		"protocol_state=RCPT\n" +
		"client_address=192.0.2.44\n" +
		"client_name=mail.example.com\n" +
		"sender=alice@example.com\n" +
		"recipient=bob@ours.test\n" +
		"\n"
	lines := roundtrip(t, e, request)
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "action=DEFER_IF_PERMIT ") {
		t.Fatalf("unexpected response %q", lines)
	}
	if grey.size() != 1 {
		t.Fatalf("tuple not recorded")
	}
}

func TestServeConnValueWithEquals(t *testing.T) {
	grey := newMemStore()
	e := testEngine(grey, nil, nil)

	// Values may contain further "=", the split is on the first one only.
	request := "request=smtpd_access_policy\n" +
		"client_address=192.0.2.44\n" +
		"client_name=mail.example.com\n" +
		"sender=prvs=1234567890=alice@example.com\n" +
		"recipient=bob@ours.test\n" +
		"\n"
	lines := roundtrip(t, e, request)
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "action=DEFER_IF_PERMIT ") {
		t.Fatalf("unexpected response %q", lines)
	}
	key := GreylistKey("192.0.0.0/20", "alice@example.com", "bob@ours.test", true)
	if _, ok := grey.m[key]; !ok {
		t.Fatalf("prvs-wrapped sender not cleaned before key derivation")
	}
}

func TestServeConnJunkLine(t *testing.T) {
	grey := newMemStore()
	e := testEngine(grey, nil, nil)

	// A line with neither "=" nor nothing ends the request with the neutral
	// action, and nothing is recorded.
	lines := roundtrip(t, e, "request=smtpd_access_policy\njunk\n")
	if len(lines) != 1 || lines[0] != "action=DUNNO" {
		t.Fatalf("unexpected response %q", lines)
	}
	if grey.size() != 0 {
		t.Fatalf("store written for junk request")
	}
}

func TestServeConnBadUTF8(t *testing.T) {
	grey := newMemStore()
	e := testEngine(grey, nil, nil)

	lines := roundtrip(t, e, "request=smtpd_access_policy\nsender=\xff\xfe\n")
	if len(lines) != 1 || lines[0] != "action=DUNNO" {
		t.Fatalf("unexpected response %q", lines)
	}
}

func TestServeConnEmptyRequest(t *testing.T) {
	grey := newMemStore()
	e := testEngine(grey, nil, nil)

	// An immediate end of request is an invalid (empty) request.
	lines := roundtrip(t, e, "\n")
	if len(lines) != 1 || lines[0] != "action=DUNNO" {
		t.Fatalf("unexpected response %q", lines)
	}
	if grey.size() != 0 {
		t.Fatalf("store written for empty request")
	}
}
