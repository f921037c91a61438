package policyd

import (
	"context"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/coffeecupcoding/tprt/greydb"
	"github.com/coffeecupcoding/tprt/metrics"
	"github.com/coffeecupcoding/tprt/mlog"
	"github.com/coffeecupcoding/tprt/whitelist"
)

// The response verbs this daemon emits besides the configured defer action.
const (
	actionDunno   = "DUNNO"
	actionPrepend = "PREPEND"
)

// Engine makes the greylisting decision for one request at a time against
// the shared stores and the published whitelist set.
type Engine struct {
	GreyDB    greydb.Store
	AWLDB     greydb.Store // Nil when the auto-whitelist is disabled.
	Whitelist *whitelist.Live

	Hostname    string
	V4Mask      int    // Prefix length for normalizing IPv4 remotes.
	V6Mask      int    // Same for IPv6.
	Delay       int64  // Seconds a new tuple must wait.
	RetryWindow int64  // Seconds within which the retry must happen.
	Action      string // Verb while deferring, e.g. DEFER_IF_PERMIT.
	Text        string // Goes with Action, {wait} is replaced.
	Header      string // Prepended on first pass, {delay}/{hostname}/{date} are replaced.
	HashKeys    bool
	AWLCount    int64 // Hits after which a sender network is trusted directly.
}

// Decide runs the decision state machine for a request and returns the
// response line content. Any protocol or store failure degrades to the
// neutral action: greylisting must never be the reason legitimate mail is
// denied.
func (e *Engine) Decide(ctx context.Context, log *mlog.Log, req *Request, now time.Time) string {
	if !req.Valid() {
		log.Info("invalid or incomplete request, answering neutrally")
		metrics.RequestInc("invalid")
		return "action=" + actionDunno
	}

	remote, err := NormalizedRemote(req.ClientAddress(), e.V4Mask, e.V6Mask)
	if err != nil {
		log.Infox("unparseable client address, answering neutrally", err)
		metrics.RequestInc("invalid")
		return "action=" + actionDunno
	}

	if e.whitelisted(ctx, log, req, remote) {
		// No store updates on a whitelist match: whitelisted traffic should
		// not keep greylist state alive.
		metrics.RequestInc("whitelisted")
		return "action=" + actionDunno
	}

	sender := CleanSender(req.Sender())
	key := GreylistKey(remote, sender, req.Recipient(), e.HashKeys)
	nowSecs := now.Unix()

	value, ok, err := e.GreyDB.Get(ctx, key)
	if err != nil {
		log.Errorx("greylist store read, answering neutrally", err)
		metrics.StoreErrorInc(e.GreyDB.Backend(), "get")
		return "action=" + actionDunno
	}

	if !ok {
		return e.defer1(ctx, log, key, nowSecs, e.Delay)
	}

	entry, err := greydb.ParseEntry(value)
	if err != nil {
		// A corrupt value is treated as absent, starting the tuple over.
		log.Errorx("malformed greylist entry, restarting tuple", err, mlog.Field("key", key))
		return e.defer1(ctx, log, key, nowSecs, e.Delay)
	}

	if entry.Count > 0 {
		// Tuple has passed before. Refresh and count the delivery.
		entry.Count++
		entry.LastSeen = nowSecs
		if err := e.GreyDB.Update(ctx, key, entry.String()); err != nil {
			log.Errorx("greylist store write", err)
			metrics.StoreErrorInc(e.GreyDB.Backend(), "update")
		}
		e.awlBump(ctx, log, remote, nowSecs)
		metrics.RequestInc("passed")
		return "action=" + actionDunno
	}

	waited := nowSecs - entry.LastSeen
	if waited < 0 {
		// Clock stepped backward since the first attempt. Treat as no time
		// waited: defer with the full delay, keeping the original timestamp.
		waited = 0
	}
	switch {
	case waited <= e.Delay:
		metrics.RequestInc("deferred")
		return e.deferResponse(e.Delay - waited)
	case waited > e.RetryWindow:
		// Too late: the entry is rewritten to "0,now", deliberately losing
		// the original timestamp so the delay clock starts over.
		return e.defer1(ctx, log, key, nowSecs, e.Delay)
	default:
		// First pass: the retry arrived inside the window.
		entry = greydb.Entry{Count: 1, LastSeen: nowSecs}
		if err := e.GreyDB.Update(ctx, key, entry.String()); err != nil {
			log.Errorx("greylist store write, answering neutrally", err)
			metrics.StoreErrorInc(e.GreyDB.Backend(), "update")
			return "action=" + actionDunno
		}
		e.awlBump(ctx, log, remote, nowSecs)
		metrics.RequestInc("firstpass")
		header := strings.NewReplacer(
			"{delay}", strconv.FormatInt(waited, 10),
			"{hostname}", e.Hostname,
			"{date}", now.Format(time.ANSIC),
		).Replace(e.Header)
		return "action=" + actionPrepend + " " + header
	}
}

// defer1 records a tuple as newly seen and answers with the full delay.
func (e *Engine) defer1(ctx context.Context, log *mlog.Log, key string, nowSecs, wait int64) string {
	entry := greydb.Entry{Count: 0, LastSeen: nowSecs}
	if err := e.GreyDB.Update(ctx, key, entry.String()); err != nil {
		log.Errorx("greylist store write, answering neutrally", err)
		metrics.StoreErrorInc(e.GreyDB.Backend(), "update")
		return "action=" + actionDunno
	}
	metrics.RequestInc("deferred")
	return e.deferResponse(wait)
}

func (e *Engine) deferResponse(wait int64) string {
	if wait < 0 {
		wait = 0
	}
	text := strings.ReplaceAll(e.Text, "{wait}", strconv.FormatInt(wait, 10))
	return "action=" + e.Action + " " + text
}

// whitelisted checks the four static matchers and the auto-whitelist store.
func (e *Engine) whitelisted(ctx context.Context, log *mlog.Log, req *Request, remote string) bool {
	addr, err := netip.ParseAddr(req.ClientAddress())
	if err != nil {
		return false
	}
	if e.Whitelist.Current().Match(addr, req.ClientName(), req.Recipient()) {
		log.Debug("request whitelisted")
		return true
	}
	if e.AWLDB == nil {
		return false
	}
	value, ok, err := e.AWLDB.Get(ctx, AutoWhitelistKey(remote, e.HashKeys))
	if err != nil {
		log.Errorx("auto-whitelist store read", err)
		metrics.StoreErrorInc(e.AWLDB.Backend(), "get")
		return false
	}
	if !ok {
		return false
	}
	entry, err := greydb.ParseEntry(value)
	if err != nil {
		log.Errorx("malformed auto-whitelist entry", err)
		return false
	}
	if entry.Count >= e.AWLCount {
		log.Debug("request auto-whitelisted", mlog.Field("remote", remote))
		return true
	}
	return false
}

// awlBump counts a delivery for the sender network. Once the count reaches
// the trust threshold, requests from the network are auto-whitelisted in
// Decide and return before any store update, so the counter stops at the
// threshold.
func (e *Engine) awlBump(ctx context.Context, log *mlog.Log, remote string, nowSecs int64) {
	if e.AWLDB == nil {
		return
	}
	key := AutoWhitelistKey(remote, e.HashKeys)
	entry := greydb.Entry{Count: 1, LastSeen: nowSecs}
	value, ok, err := e.AWLDB.Get(ctx, key)
	if err != nil {
		log.Errorx("auto-whitelist store read", err)
		metrics.StoreErrorInc(e.AWLDB.Backend(), "get")
		return
	}
	if ok {
		prev, err := greydb.ParseEntry(value)
		if err == nil {
			entry.Count = prev.Count + 1
		} else {
			log.Errorx("malformed auto-whitelist entry, restarting count", err)
		}
	}
	if err := e.AWLDB.Update(ctx, key, entry.String()); err != nil {
		log.Errorx("auto-whitelist store write", err)
		metrics.StoreErrorInc(e.AWLDB.Backend(), "update")
	}
}
