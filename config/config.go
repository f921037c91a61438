// Package config holds the configuration file structure for tprt.
package config

// Static is the parsed form of the tprt.conf configuration file. It is turned
// into a tprt.Config after additional processing and validation.
type Static struct {
	LogLevel         string            `sconf:"optional" sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDefault log level, one of: error, info, debug, trace. Trace logs policy protocol transcripts. Default: info."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. policyd, greydb, whitelist)."`
	Service          Service           `sconf:"optional" sconf-doc:"Greylisting policy settings."`
	Server           Server            `sconf:"optional" sconf-doc:"Socket and process settings."`
}

// Service holds the greylisting and whitelisting policy settings.
type Service struct {
	GreyHostname string `sconf:"optional" sconf-doc:"Hostname presented in responses to the sender, in the prepended header. Default: the system hostname."`
	GreyDelay    int    `sconf:"optional" sconf-doc:"Seconds a new (network, sender, recipient) tuple must wait before passing greylisting. Default: 300."`
	IPv4Mask     int    `sconf:"optional" sconf-doc:"Prefix length used to normalize IPv4 client addresses into sender networks. Default: 20."`
	IPv6Mask     int    `sconf:"optional" sconf-doc:"Prefix length used to normalize IPv6 client addresses into sender networks. Default: 64."`
	GreyAction   string `sconf:"optional" sconf-doc:"Action verb sent while a tuple is being deferred. Default: DEFER_IF_PERMIT."`
	GreyText     string `sconf:"optional" sconf-doc:"Text sent along with the defer action. {wait} is replaced with the remaining wait in seconds. Default: Greylisted, please retry in {wait} seconds."`
	GreyMaxAge   int    `sconf:"optional" sconf-doc:"Seconds after which an entry that has not been seen again is removed by the maintenance sweeper. Default: 3024000 (35 days)."`
	GreyRetryWindow int `sconf:"optional" sconf-doc:"Seconds within which a deferred tuple must retry. A retry after this window starts the delay clock over. Default: 172800 (2 days)."`
	GreySMTPHeader  string `sconf:"optional" sconf-doc:"Header prepended to the message when a tuple first passes greylisting. {delay} is the seconds waited, {hostname} the configured hostname, {date} the ctime-formatted time. Default: X-Greylist: delayed {delay} seconds at {hostname}; {date}"`
	NoHashKeys      bool   `sconf:"optional" sconf-doc:"Store literal greylist keys instead of their hex SHA-1. Keys contain remote network, sender and recipient addresses; hashing is the default."`
	GreyDB          string `sconf:"optional" sconf-doc:"URL for the greylist store. Schemes: gdbm:///path for the embedded store, redis-unix://user:pw@/path and redis-tcp://host:port/?db=N for redis. Default: gdbm:///var/db/tprt/greylistdb."`
	GreyDBMaintenanceDisable bool `sconf:"optional" sconf-doc:"Do not sweep expired entries from the greylist store. Set on all but one replica when a store is shared."`
	MaintenanceInterval      int  `sconf:"optional" sconf-doc:"Seconds between maintenance sweeps of the stores. Default: 3600."`
	AWLClientCount int    `sconf:"optional" sconf-doc:"Number of deliveries a sender network must pass before it is auto-whitelisted. 0 disables the auto-whitelist. Default: 0."`
	AWLDB          string `sconf:"optional" sconf-doc:"URL for the auto-whitelist store, same schemes as GreyDB. Default: gdbm:///var/db/tprt/autowldb."`
	AWLDBMaintenanceDisable bool     `sconf:"optional" sconf-doc:"Do not sweep expired entries from the auto-whitelist store."`
	WhitelistSources        []string `sconf:"optional" sconf-doc:"URLs to read whitelists from, file:///path for JSON files or redis URLs for imported lists. Default: file:///var/db/tprt/whitelist."`
	AllowWhitelistRegex     bool     `sconf:"optional" sconf-doc:"Honor regex whitelist entries (recipient_regex, remote_regex) from whitelist sources. Off by default: regexes in whitelist files are evaluated against attacker-influenced request attributes."`
	MetricsAddress          string   `sconf:"optional" sconf-doc:"Address to serve prometheus metrics on over HTTP, e.g. localhost:8031. Empty disables the metrics listener."`
}

// Server holds the listener and process settings.
type Server struct {
	SocketType string `sconf:"optional" sconf-doc:"Type of socket postfix connects on: unix or inet. Default: unix."`
	SocketPath string `sconf:"optional" sconf-doc:"Path for the unix socket. Must not exist at startup. Default: /var/run/tprt/socket."`
	SocketMode string `sconf:"optional" sconf-doc:"Octal filesystem permissions set on the unix socket. Default: 0660."`
	ListenHost string `sconf:"optional" sconf-doc:"Host for the inet socket. Default: localhost."`
	ListenPort int    `sconf:"optional" sconf-doc:"Port for the inet socket. Default: 10023."`
	ListenQueueSize int  `sconf:"optional" sconf-doc:"Accepted for compatibility. Go does not expose the listen backlog; the kernel default applies."`
	NoReuseSocket   bool `sconf:"optional" sconf-doc:"Do not set SO_REUSEADDR on the inet socket."`
	MaxConnections  int  `sconf:"optional" sconf-doc:"Maximum policy connections handled concurrently. Default: 8 times the number of CPUs."`
	PidFilePath     string `sconf:"optional" sconf-doc:"Path the process id is written to at startup. Default: /var/run/tprt/tprt.pid."`
	User  string `sconf:"optional" sconf-doc:"User to switch to after binding sockets when started as root. Default: postgrey."`
	Group string `sconf:"optional" sconf-doc:"Group to switch to after binding sockets when started as root. Default: the value of User."`
	Chroot    bool   `sconf:"optional" sconf-doc:"Change the process root directory after binding sockets."`
	ChrootDir string `sconf:"optional" sconf-doc:"Directory to chroot into. Defaults to the home directory of User."`
}
