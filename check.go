package main

import (
	"bufio"
	"fmt"
	"net"
	"strings"

	tprt "github.com/coffeecupcoding/tprt/tprt-"
)

func cmdCheck(c *cmd) {
	c.params = "client-address client-name sender recipient [attr=value ...]"
	c.help = `Submit one policy request to a running tprt and print the response.

Connects to the socket from the configuration file, or to the address given
with -address. Extra attr=value pairs are sent along, e.g. protocol_state
or sasl_username, mirroring what the SMTP server would delegate.
`
	var address string
	c.flag.StringVar(&address, "address", "", "unix socket path or host:port to connect to, overriding the configuration file")

	args := c.Parse()
	if len(args) < 4 {
		c.Usage()
	}

	network := "unix"
	if address == "" {
		mustLoadConfig()
		server := tprt.Conf.Static.Server
		if server.SocketType == "inet" {
			network = "tcp"
			address = net.JoinHostPort(server.ListenHost, fmt.Sprintf("%d", server.ListenPort))
		} else {
			address = server.SocketPath
		}
	} else if strings.Contains(address, ":") {
		network = "tcp"
	}

	conn, err := net.Dial(network, address)
	if err != nil {
		c.log.Fatalx("connecting to policy socket", err)
	}
	defer conn.Close()

	attrs := []string{
		"request=smtpd_access_policy",
		"protocol_state=RCPT",
		"protocol_name=SMTP",
		"client_address=" + args[0],
		"client_name=" + args[1],
		"sender=" + args[2],
		"recipient=" + args[3],
	}
	for _, extra := range args[4:] {
		if !strings.Contains(extra, "=") {
			c.Usage()
		}
		attrs = append(attrs, extra)
	}

	for _, line := range attrs {
		if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
			c.log.Fatalx("writing request", err)
		}
	}
	if _, err := fmt.Fprintf(conn, "\n"); err != nil {
		c.log.Fatalx("writing request", err)
	}

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			c.log.Fatalx("reading response", err)
		}
		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			break
		}
		fmt.Println(line)
	}
}
