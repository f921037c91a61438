package policyd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/coffeecupcoding/tprt/metrics"
	"github.com/coffeecupcoding/tprt/mlog"
	tprt "github.com/coffeecupcoding/tprt/tprt-"
)

var xlog = mlog.New("policyd")

// Wrapped around i/o errors so the connection handler can distinguish them
// from other panics.
var errIO = errors.New("io error")

// How long we wait for the SMTP server to deliver request bytes.
const readTimeout = 10 * time.Second

var (
	servers    []func()
	listeners  []net.Listener
	unixSocket string // Path of the socket we created, unlinked on shutdown.
	sem        chan struct{}
)

// Listen binds the configured listener, either a filesystem stream socket or
// a TCP endpoint. The listener is stored for a later call to Serve.
func Listen(engine *Engine) error {
	server := tprt.Conf.Static.Server

	maxConns := server.MaxConnections
	if maxConns == 0 {
		maxConns = 8 * runtime.NumCPU()
	}
	sem = make(chan struct{}, maxConns)

	var ln net.Listener
	var name string
	switch server.SocketType {
	case "unix":
		// A pre-existing path means either another instance, or an unclean
		// shutdown the operator should look at. Either way, refuse.
		if _, err := os.Stat(server.SocketPath); err == nil {
			return fmt.Errorf("socket path %s already exists", server.SocketPath)
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("checking socket path %s: %v", server.SocketPath, err)
		}
		var err error
		ln, err = net.Listen("unix", server.SocketPath)
		if err != nil {
			return fmt.Errorf("listening on unix socket %s: %v", server.SocketPath, err)
		}
		if err := os.Chmod(server.SocketPath, tprt.Conf.SocketMode); err != nil {
			ln.Close()
			return fmt.Errorf("setting socket mode: %v", err)
		}
		unixSocket = server.SocketPath
		name = "unix"
		xlog.Print("listening for policy requests", mlog.Field("socket", server.SocketPath))
	case "inet":
		addr := net.JoinHostPort(server.ListenHost, fmt.Sprintf("%d", server.ListenPort))
		lc := net.ListenConfig{}
		if !server.NoReuseSocket {
			lc.Control = func(network, address string, c syscall.RawConn) error {
				var serr error
				err := c.Control(func(fd uintptr) {
					serr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
				})
				if err != nil {
					return err
				}
				return serr
			}
		}
		var err error
		ln, err = lc.Listen(context.Background(), "tcp", addr)
		if err != nil {
			return fmt.Errorf("listening on %s: %v", addr, err)
		}
		name = "inet"
		xlog.Print("listening for policy requests", mlog.Field("address", addr))
	default:
		return fmt.Errorf("unknown socket type %q", server.SocketType)
	}
	listeners = append(listeners, ln)

	serve := func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-tprt.Shutdown.Done():
					return
				default:
				}
				xlog.Infox("accept", err, mlog.Field("listener", name))
				// Don't spin on a persistent accept error.
				if tprt.Sleep(tprt.Shutdown, time.Second) {
					return
				}
				continue
			}
			sem <- struct{}{}
			go func() {
				defer func() { <-sem }()
				serve1(name, tprt.Cid(), engine, conn)
			}()
		}
	}
	servers = append(servers, serve)
	return nil
}

// Serve starts serving on all listeners, launching a goroutine per listener.
func Serve() {
	for _, serve := range servers {
		go serve()
	}
}

// CloseListeners stops accepting connections and unlinks the unix socket if
// one was created. In-flight workers keep running.
func CloseListeners() {
	for _, ln := range listeners {
		err := ln.Close()
		xlog.Check(err, "closing listener")
	}
	listeners = nil
	if unixSocket != "" {
		// The net package unlinks it on close, remove leftovers if not.
		err := os.Remove(unixSocket)
		if err != nil && !os.IsNotExist(err) {
			xlog.Errorx("removing unix socket", err, mlog.Field("path", unixSocket))
		}
		unixSocket = ""
	}
}

// conn is one accepted policy connection: a single request, a single
// response, then close.
type conn struct {
	cid  int64
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
	log  *mlog.Log
}

// Read and Write panic on i/o errors, handled by the recover in serve1.
func (c *conn) Read(buf []byte) (int, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		c.log.Errorx("setting deadline for read", err)
	}
	n, err := c.conn.Read(buf)
	if err != nil && err != io.EOF {
		panic(fmt.Errorf("read: %s (%w)", err, errIO))
	}
	return n, err
}

func (c *conn) Write(buf []byte) (int, error) {
	if err := c.conn.SetWriteDeadline(time.Now().Add(readTimeout)); err != nil {
		c.log.Errorx("setting deadline for write", err)
	}
	n, err := c.conn.Write(buf)
	if err != nil {
		panic(fmt.Errorf("write: %s (%w)", err, errIO))
	}
	return n, err
}

func isClosed(err error) bool {
	return errors.Is(err, errIO) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

func serve1(listenerName string, cid int64, engine *Engine, nc net.Conn) {
	c := &conn{
		cid:  cid,
		conn: nc,
		log:  xlog.WithCid(cid),
	}
	c.r = bufio.NewReader(c)
	c.w = bufio.NewWriter(c)

	tprt.Connections.Register(nc, listenerName)
	c.log.Debug("new connection", mlog.Field("remote", nc.RemoteAddr().String()))

	defer func() {
		tprt.Connections.Unregister(nc)
		nc.Close()

		x := recover()
		if x == nil {
			c.log.Debug("connection closed")
		} else if err, ok := x.(error); ok && isClosed(err) {
			c.log.Debugx("connection closed", err)
		} else {
			c.log.Error("unhandled panic", mlog.Field("panic", x))
			debug.PrintStack()
			metrics.PanicInc("policyd")
		}
	}()

	ctx := context.WithValue(tprt.Context, mlog.CidKey, cid)
	req, err := c.readRequest()
	if err != nil {
		// Protocol garbage still gets the neutral action, then close.
		c.log.Infox("reading request, answering neutrally", err)
		metrics.RequestInc("protocol")
		c.respond("action=" + actionDunno)
		return
	}
	c.respond(engine.Decide(ctx, c.log, req, time.Now()))
}

// readRequest frames one request from the line stream: "key=value" lines
// terminated by an empty line.
func (c *conn) readRequest() (*Request, error) {
	req := &Request{Attrs: map[string]string{}}
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			// Network errors panic with errIO in Read, this is a clean close
			// before the end of the request.
			return nil, fmt.Errorf("connection closed before end of request: %v", err)
		}
		line = strings.TrimSuffix(line, "\n")
		c.log.Trace("policy request line", mlog.Field("line", line))
		if line == "" {
			return req, nil
		}
		if !utf8.ValidString(line) {
			return nil, fmt.Errorf("malformed utf-8 in request line")
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			return nil, fmt.Errorf("request line without separator: %q", line)
		}
		req.Attrs[key] = value
	}
}

// respond writes the single response line followed by the terminating empty
// line.
func (c *conn) respond(response string) {
	c.log.Trace("policy response", mlog.Field("action", response))
	fmt.Fprintf(c.w, "%s\n\n", response)
	if err := c.w.Flush(); err != nil {
		c.log.Errorx("flushing response", err)
	}
}
