package tprt

import (
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"os/user"
	"strconv"

	"github.com/mjl-/sconf"

	"github.com/coffeecupcoding/tprt/config"
	"github.com/coffeecupcoding/tprt/mlog"
)

var xlog = mlog.New("tprt")

// ConfigPath is the path to the config file. Changed with the -config flag.
var ConfigPath = "/usr/local/etc/tprt/tprt.conf"

// Config is the parsed configuration, after defaulting and validation. Set
// once during startup, read-only afterwards.
type Config struct {
	Static config.Static

	// Parsed log levels, the empty key is the fallback level.
	Log map[string]mlog.Level

	// Derived from Static during load.
	SocketMode fs.FileMode
	UID        uint32 // When starting as root, switch to this user after binding.
	GID        uint32
	UserDir    string // Home directory of Static.Server.User, the chroot default.
}

// Conf is the global configuration. Assigned once by MustLoadConfig.
var Conf Config

// MustLoadConfig loads the configuration, exiting the process on any error.
func MustLoadConfig() {
	errs := LoadConfig()
	if len(errs) > 1 {
		xlog.Error("multiple config errors")
		for _, err := range errs {
			xlog.Errorx("config error", err)
		}
		xlog.Fatal("cannot start with config errors")
	} else if len(errs) == 1 {
		xlog.Fatalx("loading config file", errs[0], mlog.Field("configfile", ConfigPath))
	}
}

// LoadConfig parses the config file at ConfigPath, applies defaults and
// validates, assigning the result to Conf.
func LoadConfig() []error {
	var c Config

	f, err := os.Open(ConfigPath)
	if err != nil {
		return []error{fmt.Errorf("open config file: %v", err)}
	}
	defer f.Close()
	if err := sconf.Parse(f, &c.Static); err != nil {
		return []error{fmt.Errorf("parsing %s: %v", ConfigPath, err)}
	}

	if errs := prepare(&c); len(errs) > 0 {
		return errs
	}
	Conf = c
	mlog.SetConfig(c.Log)
	return nil
}

// prepare fills in defaults and checks the configuration, collecting all
// errors so an admin can fix them in one go.
func prepare(c *Config) (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	static := &c.Static

	if static.LogLevel == "" {
		static.LogLevel = "info"
	}
	c.Log = map[string]mlog.Level{}
	if level, ok := mlog.Levels[static.LogLevel]; ok {
		c.Log[""] = level
	} else {
		addErrorf("unknown log level %q", static.LogLevel)
	}
	for pkg, s := range static.PackageLogLevels {
		if level, ok := mlog.Levels[s]; ok {
			c.Log[pkg] = level
		} else {
			addErrorf("unknown log level %q for package %q", s, pkg)
		}
	}

	srv := &static.Service
	if srv.GreyHostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			addErrorf("determining hostname: %v", err)
		}
		srv.GreyHostname = hostname
	}
	if srv.GreyDelay == 0 {
		srv.GreyDelay = 300
	}
	if srv.GreyDelay < 0 {
		addErrorf("negative GreyDelay %d", srv.GreyDelay)
	}
	if srv.IPv4Mask == 0 {
		srv.IPv4Mask = 20
	}
	if srv.IPv4Mask < 0 || srv.IPv4Mask > 32 {
		addErrorf("IPv4Mask %d out of range", srv.IPv4Mask)
	}
	if srv.IPv6Mask == 0 {
		srv.IPv6Mask = 64
	}
	if srv.IPv6Mask < 0 || srv.IPv6Mask > 128 {
		addErrorf("IPv6Mask %d out of range", srv.IPv6Mask)
	}
	if srv.GreyAction == "" {
		srv.GreyAction = "DEFER_IF_PERMIT"
	}
	if srv.GreyText == "" {
		srv.GreyText = "Greylisted, please retry in {wait} seconds"
	}
	if srv.GreyMaxAge == 0 {
		srv.GreyMaxAge = 3024000
	}
	if srv.GreyMaxAge < 0 {
		addErrorf("negative GreyMaxAge %d", srv.GreyMaxAge)
	}
	if srv.GreyRetryWindow == 0 {
		srv.GreyRetryWindow = 172800
	}
	if srv.GreyRetryWindow < 0 {
		addErrorf("negative GreyRetryWindow %d", srv.GreyRetryWindow)
	}
	if srv.GreySMTPHeader == "" {
		srv.GreySMTPHeader = "X-Greylist: delayed {delay} seconds at {hostname}; {date}"
	}
	if srv.GreyDB == "" {
		srv.GreyDB = "gdbm:///var/db/tprt/greylistdb"
	}
	if srv.MaintenanceInterval == 0 {
		srv.MaintenanceInterval = 3600
	}
	if srv.AWLDB == "" {
		srv.AWLDB = "gdbm:///var/db/tprt/autowldb"
	}
	if srv.WhitelistSources == nil {
		srv.WhitelistSources = []string{"file:///var/db/tprt/whitelist"}
	}

	checkStoreURL := func(what, s string) *url.URL {
		u, err := url.Parse(s)
		if err != nil {
			addErrorf("parsing %s url: %v", what, err)
			return nil
		}
		switch u.Scheme {
		case "gdbm", "redis-unix", "redis-tcp":
		default:
			addErrorf("unknown scheme %q in %s url", u.Scheme, what)
			return nil
		}
		return u
	}
	gu := checkStoreURL("GreyDB", srv.GreyDB)
	if srv.AWLClientCount > 0 {
		au := checkStoreURL("AWLDB", srv.AWLDB)
		// The greylist and auto-whitelist key spaces are unprefixed, sharing one
		// redis database would mix them.
		if gu != nil && au != nil && gu.Scheme != "gdbm" && gu.Scheme == au.Scheme && gu.Host == au.Host && gu.Path == au.Path && gu.Query().Get("db") == au.Query().Get("db") {
			addErrorf("GreyDB and AWLDB refer to the same redis database")
		}
	}

	server := &static.Server
	if server.SocketType == "" {
		server.SocketType = "unix"
	}
	switch server.SocketType {
	case "unix", "inet":
	default:
		addErrorf("unknown SocketType %q, must be unix or inet", server.SocketType)
	}
	if server.SocketPath == "" {
		server.SocketPath = "/var/run/tprt/socket"
	}
	if server.SocketMode == "" {
		server.SocketMode = "0660"
	}
	if mode, err := strconv.ParseUint(server.SocketMode, 8, 32); err != nil {
		addErrorf("parsing octal SocketMode %q: %v", server.SocketMode, err)
	} else {
		c.SocketMode = fs.FileMode(mode)
	}
	if server.ListenHost == "" {
		server.ListenHost = "localhost"
	}
	if server.ListenPort == 0 {
		server.ListenPort = 10023
	}
	if server.PidFilePath == "" {
		server.PidFilePath = "/var/run/tprt/tprt.pid"
	}
	if server.User == "" {
		server.User = "postgrey"
	}
	if server.Group == "" {
		server.Group = server.User
	}
	if os.Getuid() == 0 {
		u, err := user.Lookup(server.User)
		if err != nil {
			addErrorf("looking up user %q: %v", server.User, err)
		} else {
			uid, err := strconv.ParseUint(u.Uid, 10, 32)
			if err != nil {
				addErrorf("parsing uid %q: %v", u.Uid, err)
			}
			c.UID = uint32(uid)
			c.UserDir = u.HomeDir
		}
		g, err := user.LookupGroup(server.Group)
		if err != nil {
			addErrorf("looking up group %q: %v", server.Group, err)
		} else {
			gid, err := strconv.ParseUint(g.Gid, 10, 32)
			if err != nil {
				addErrorf("parsing gid %q: %v", g.Gid, err)
			}
			c.GID = uint32(gid)
		}
	}
	if server.Chroot && server.ChrootDir == "" {
		server.ChrootDir = c.UserDir
		if server.ChrootDir == "" {
			addErrorf("Chroot set but no ChrootDir and no home directory for user %q", server.User)
		}
	}

	return errs
}

// SanitizeURL returns a store URL with any password replaced by the literal
// string "password", for logging.
func SanitizeURL(s string) string {
	u, err := url.Parse(s)
	if err != nil || u.User == nil {
		return s
	}
	if _, ok := u.User.Password(); !ok {
		return s
	}
	u.User = url.UserPassword(u.User.Username(), "password")
	return u.String()
}

// WriteExampleConfig writes an annotated example config, with defaults filled
// in, to w.
func WriteExampleConfig(w io.Writer) error {
	var c Config
	// Errors are only possible for the hostname and root-only user lookups,
	// irrelevant for an example.
	prepare(&c)
	return sconf.Describe(w, &c.Static)
}
