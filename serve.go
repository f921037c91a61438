package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coffeecupcoding/tprt/greydb"
	"github.com/coffeecupcoding/tprt/mlog"
	"github.com/coffeecupcoding/tprt/policyd"
	tprt "github.com/coffeecupcoding/tprt/tprt-"
	"github.com/coffeecupcoding/tprt/whitelist"
)

func cmdServe(c *cmd) {
	c.help = `Start tprt, answering policy requests from the SMTP server.

Binds the configured socket, opens the greylist (and optionally the
auto-whitelist) store, loads the whitelists and serves until SIGINT or
SIGTERM. SIGHUP reloads the whitelists without interrupting traffic.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	log := c.log
	mlog.Logfmt = true
	tprt.MustLoadConfig()

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	tprt.Shutdown = shutdownCtx
	tprt.ShutdownCancel = shutdownCancel
	ctx, ctxCancel := context.WithCancel(context.Background())
	tprt.Context = ctx
	tprt.ContextCancel = ctxCancel

	service := tprt.Conf.Static.Service

	if err := tprt.WritePidFile(tprt.Conf.Static.Server.PidFilePath); err != nil {
		log.Fatalx("writing pid file", err)
	}

	openStore := func(what, url string) greydb.Store {
		db, err := greydb.Open(ctx, url)
		if err != nil {
			tprt.RemovePidFile()
			log.Fatalx("opening store", err,
				mlog.Field("store", what),
				mlog.Field("url", tprt.SanitizeURL(url)))
		}
		log.Print("opened store",
			mlog.Field("store", what),
			mlog.Field("url", tprt.SanitizeURL(url)))
		return db
	}
	greyDB := openStore("greylist", service.GreyDB)
	var awlDB greydb.Store
	if service.AWLClientCount > 0 {
		awlDB = openStore("autowl", service.AWLDB)
	}

	live := whitelist.NewLive(whitelist.Build(ctx, service.WhitelistSources, service.AllowWhitelistRegex))

	engine := &policyd.Engine{
		GreyDB:      greyDB,
		AWLDB:       awlDB,
		Whitelist:   live,
		Hostname:    service.GreyHostname,
		V4Mask:      service.IPv4Mask,
		V6Mask:      service.IPv6Mask,
		Delay:       int64(service.GreyDelay),
		RetryWindow: int64(service.GreyRetryWindow),
		Action:      service.GreyAction,
		Text:        service.GreyText,
		Header:      service.GreySMTPHeader,
		HashKeys:    !service.NoHashKeys,
		AWLCount:    int64(service.AWLClientCount),
	}

	if err := policyd.Listen(engine); err != nil {
		tprt.RemovePidFile()
		log.Fatalx("binding listener", err)
	}

	// The pid file and sockets exist, and the stores are open. Root is no
	// longer needed.
	if err := tprt.DropPrivileges(); err != nil {
		policyd.CloseListeners()
		tprt.RemovePidFile()
		log.Fatalx("dropping privileges", err)
	}

	if addr := service.MetricsAddress; addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Print("listening for metrics", mlog.Field("address", addr))
			err := http.ListenAndServe(addr, mux)
			log.Errorx("metrics listener", err)
		}()
	}

	sweeperDone := make(chan struct{}, 1)
	greydb.Maintain(
		time.Duration(service.MaintenanceInterval)*time.Second,
		time.Duration(service.GreyMaxAge)*time.Second,
		[]greydb.MaintainStore{
			{Name: "greylist", Store: greyDB, Disable: service.GreyDBMaintenanceDisable},
			{Name: "autowl", Store: awlDB, Disable: awlDB == nil || service.AWLDBMaintenanceDisable},
		},
		sweeperDone,
	)

	policyd.Serve()
	log.Print("ready to serve", mlog.Field("version", version))

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	for {
		sig := <-sigc
		if sig == syscall.SIGHUP {
			// Rebuild in the background, traffic continues against the old
			// set until the swap.
			log.Print("reloading whitelists")
			go func() {
				rctx := context.WithValue(tprt.Context, mlog.CidKey, tprt.Cid())
				whitelist.Reload(rctx, live, service.WhitelistSources, service.AllowWhitelistRegex)
			}()
			continue
		}
		log.Print("shutting down, waiting max 3s for existing connections", mlog.Field("signal", sig.String()))
		// A SIGHUP arriving from here on is ignored.
		signal.Ignore(syscall.SIGHUP)
		shutdown(log, greyDB, awlDB, sweeperDone)
		if num, ok := sig.(syscall.Signal); ok {
			os.Exit(int(num))
		}
		os.Exit(1)
	}
}

// shutdown drains the server: stop accepting, let in-flight workers finish
// with a grace period, sync and close the stores, and clean up the socket and
// pid file.
func shutdown(log *mlog.Log, greyDB, awlDB greydb.Store, sweeperDone chan struct{}) {
	tprt.ShutdownCancel()
	policyd.CloseListeners()

	done := tprt.Connections.Done()
	select {
	case <-done:
		log.Print("connections shutdown, clean")
	case <-time.After(3 * time.Second):
		// Cancel pending operations and set an immediate deadline on the
		// sockets, which should get us a clean shutdown quickly.
		tprt.ContextCancel()
		tprt.Connections.Shutdown()
		select {
		case <-done:
			log.Print("no more connections, shutdown is clean")
		case <-time.After(time.Second):
			log.Print("shutting down with pending sockets")
		}
	}
	tprt.ContextCancel()
	select {
	case <-sweeperDone:
	case <-time.After(time.Second):
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stores := []struct {
		name string
		db   greydb.Store
	}{{"greylist", greyDB}, {"autowl", awlDB}}
	for _, s := range stores {
		if s.db == nil {
			continue
		}
		err := s.db.Save(ctx)
		log.Check(err, "saving store during shutdown", mlog.Field("store", s.name))
		err = s.db.Close()
		log.Check(err, "closing store during shutdown", mlog.Field("store", s.name))
	}

	tprt.RemovePidFile()
}
