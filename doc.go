/*
Command tprt is a greylisting policy daemon for SMTP servers speaking the
Postfix SMTPD access policy delegation protocol.

For each delivery attempt the SMTP server delegates, tprt classifies the
(sender network, sender address, recipient address) tuple against a
persistent greylist store: unknown tuples are deferred for a configurable
delay, tuples that retry within the retry window pass and get a header
prepended, and tuples that have passed before are waved through. Whitelists
(IPv4/IPv6 networks, client name patterns, recipient patterns) and an
optional auto-whitelist of sender networks that have passed often enough
exempt requests from greylisting entirely.

Greylist and auto-whitelist state live in a store selected by URL: an
embedded database file, or redis over a unix or TCP socket so several
instances can share state. A periodic sweeper expires stale entries; it can
be disabled per store on all but one instance of a fleet.

	usage: tprt [-config /usr/local/etc/tprt/tprt.conf] [-loglevel level] ...
	       tprt serve
	       tprt check client-address client-name sender recipient [attr=value ...]
	       tprt whitelist import -source file -db url
	       tprt config test
	       tprt config describe
	       tprt loglevels
	       tprt version
	       tprt help [command ...]

SIGHUP reloads the whitelists, SIGINT and SIGTERM drain and stop the daemon.
*/
package main
