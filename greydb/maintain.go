package greydb

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/coffeecupcoding/tprt/metrics"
	"github.com/coffeecupcoding/tprt/mlog"
	tprt "github.com/coffeecupcoding/tprt/tprt-"
)

var timeNow = time.Now // Tests override this.

// MaintainStore is one store the sweeper is responsible for.
type MaintainStore struct {
	Name    string // For logging, e.g. "greylist", "autowl".
	Store   Store
	Disable bool // Set when another instance owns maintenance for this store.
}

// Maintain periodically deletes entries whose last-seen timestamp predates
// the retention cutoff. It runs until shutdown, then sends on done. One
// sweeper task runs per process; per-store disable flags let a fleet leave
// maintenance to a single instance.
func Maintain(interval time.Duration, maxAge time.Duration, stores []MaintainStore, done chan struct{}) {
	go func() {
		defer func() {
			x := recover()
			if x != nil {
				xlog.Error("maintain panic", mlog.Field("panic", x))
				debug.PrintStack()
				metrics.PanicInc("greydb")
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-tprt.Shutdown.Done():
				done <- struct{}{}
				return
			case <-ticker.C:
			}

			ctx := context.WithValue(tprt.Context, mlog.CidKey, tprt.Cid())
			for _, ms := range stores {
				if ms.Disable {
					continue
				}
				sweep(ctx, ms, maxAge)
			}
		}
	}()
}

// sweep walks one store and deletes the keys that have expired. An entry that
// cannot be parsed is left alone: deleting on parse failure would turn a
// corrupt value into silent data loss.
func sweep(ctx context.Context, ms MaintainStore, maxAge time.Duration) {
	log := xlog.WithContext(ctx)
	cutoff := timeNow().Unix() - int64(maxAge/time.Second)

	keys, err := ms.Store.Scan(ctx, func(key, value string) bool {
		e, err := ParseEntry(value)
		if err != nil {
			log.Debugx("skipping malformed entry during sweep", err, mlog.Field("store", ms.Name))
			return false
		}
		return e.LastSeen < cutoff
	})
	if err != nil {
		log.Errorx("scanning store for expired entries", err, mlog.Field("store", ms.Name))
		metrics.StoreErrorInc(ms.Store.Backend(), "scan")
		return
	}
	if len(keys) == 0 {
		return
	}

	deleted := 0
	for _, key := range keys {
		// Another actor deleting the key between scan and delete is treated
		// as success by the backends.
		if err := ms.Store.Delete(ctx, key); err != nil {
			log.Errorx("deleting expired entry", err, mlog.Field("store", ms.Name))
			metrics.StoreErrorInc(ms.Store.Backend(), "delete")
			continue
		}
		deleted++
	}
	if err := ms.Store.Save(ctx); err != nil {
		log.Errorx("saving store after sweep", err, mlog.Field("store", ms.Name))
		metrics.StoreErrorInc(ms.Store.Backend(), "save")
	}
	metrics.SweepDeletedAdd(deleted)
	log.Info("swept expired entries",
		mlog.Field("store", ms.Name),
		mlog.Field("deleted", deleted))
}
