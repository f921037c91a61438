package tprt

import (
	"context"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Shutdown is canceled when a graceful shutdown is initiated. The accept
// loops and the maintenance sweeper check this before starting a new
// operation.
var Shutdown context.Context
var ShutdownCancel func()

// Context should be used as parent by most operations. It is canceled some
// time after graceful shutdown was initiated with the cancelation of the
// Shutdown context. This should abort active operations.
var Context context.Context
var ContextCancel func()

// Connections holds all active policy sockets. They will be given an
// immediate read/write deadline shortly after initiating shutdown, after
// which the connections get a little more time for error handling before
// actual shutdown.
var Connections = &connections{
	conns:  map[net.Conn]string{},
	gauges: map[string]prometheus.GaugeFunc{},
	active: map[string]int64{},
}

type connections struct {
	sync.Mutex
	conns  map[net.Conn]string // Connection to listener name.
	dones  []chan struct{}
	gauges map[string]prometheus.GaugeFunc

	activeMutex sync.Mutex
	active      map[string]int64
}

// Register adds a connection for receiving an immediate i/o deadline on
// shutdown. When the connection is closed, Unregister must be called to
// cancel the registration.
func (c *connections) Register(nc net.Conn, listener string) {
	// Can happen when a connection was initiated just before a shutdown, but it
	// doesn't hurt to log it.
	select {
	case <-Shutdown.Done():
		xlog.Error("new connection added while shutting down")
		debug.PrintStack()
	default:
	}

	c.activeMutex.Lock()
	c.active[listener]++
	c.activeMutex.Unlock()

	c.Lock()
	defer c.Unlock()
	c.conns[nc] = listener
	if _, ok := c.gauges[listener]; !ok {
		c.gauges[listener] = promauto.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name:        "tprt_connections_count",
				Help:        "Open policy connections, per listener.",
				ConstLabels: prometheus.Labels{"listener": listener},
			},
			func() float64 {
				c.activeMutex.Lock()
				defer c.activeMutex.Unlock()
				return float64(c.active[listener])
			},
		)
	}
}

// Unregister removes a connection for shutdown.
func (c *connections) Unregister(nc net.Conn) {
	c.Lock()
	defer c.Unlock()
	listener := c.conns[nc]

	defer func() {
		c.activeMutex.Lock()
		c.active[listener]--
		c.activeMutex.Unlock()
	}()

	delete(c.conns, nc)
	if len(c.conns) > 0 {
		return
	}
	for _, done := range c.dones {
		done <- struct{}{}
	}
	c.dones = nil
}

// Shutdown sets an immediate i/o deadline on all open registered sockets.
// Called some time after shutdown is initiated. The deadline will cause i/o's
// to be aborted, which should result in the connection being unregistered.
func (c *connections) Shutdown() {
	now := time.Now()
	c.Lock()
	defer c.Unlock()
	for nc := range c.conns {
		if err := nc.SetDeadline(now); err != nil {
			xlog.Errorx("setting immediate read/write deadline for shutdown", err)
		}
	}
}

// Done returns a new channel on which a value is sent when no more sockets
// are open, which could be immediate.
func (c *connections) Done() chan struct{} {
	c.Lock()
	defer c.Unlock()
	done := make(chan struct{}, 1)
	if len(c.conns) == 0 {
		done <- struct{}{}
		return done
	}
	c.dones = append(c.dones, done)
	return done
}
