package main

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/coffeecupcoding/tprt/greydb"
	"github.com/coffeecupcoding/tprt/mlog"
	tprt "github.com/coffeecupcoding/tprt/tprt-"
)

func cmdWhitelistImport(c *cmd) {
	c.params = "-source file -db url"
	c.help = `Read whitelists from a JSON file and insert them into a redis store.

The file holds a top-level mapping of whitelist names to arrays of entry
objects. Each entry becomes a redis hash; an entry's optional "name" field
names the hash, otherwise a random name is generated. Entry names are
appended to a per-whitelist list, and whitelist names to the root list
"whitelists", the layout the daemon reads whitelists from.
`
	var source, dbURL string
	c.flag.StringVar(&source, "source", "", "JSON file containing whitelists to read")
	c.flag.StringVar(&dbURL, "db", "", "redis URL to insert the whitelists into, e.g. redis-tcp://localhost:6379/?db=0")

	if len(c.Parse()) != 0 || source == "" || dbURL == "" {
		c.Usage()
	}

	buf, err := os.ReadFile(source)
	if err != nil {
		c.log.Fatalx("reading whitelist file", err)
	}
	var lists map[string][]map[string]string
	if err := json.Unmarshal(buf, &lists); err != nil {
		c.log.Fatalx("parsing whitelist file", err)
	}

	u, err := url.Parse(dbURL)
	if err != nil {
		c.log.Fatalx("parsing db url", err)
	}
	opts, err := greydb.RedisOptions(u)
	if err != nil {
		c.log.Fatalx("bad db url", err, mlog.Field("url", tprt.SanitizeURL(dbURL)))
	}
	conn := redis.NewClient(opts)
	defer conn.Close()

	ctx := context.Background()
	if err := conn.Ping(ctx).Err(); err != nil {
		c.log.Fatalx("connecting to redis", err, mlog.Field("url", tprt.SanitizeURL(dbURL)))
	}

	entries := 0
	for listName, list := range lists {
		for _, entry := range list {
			name := entry["name"]
			if name == "" {
				name = randomID(12)
			}
			delete(entry, "name")
			for field, value := range entry {
				if err := conn.HSet(ctx, name, field, value).Err(); err != nil {
					c.log.Fatalx("writing whitelist entry", err, mlog.Field("entry", name))
				}
			}
			if err := conn.RPush(ctx, listName, name).Err(); err != nil {
				c.log.Fatalx("appending entry to whitelist", err, mlog.Field("whitelist", listName))
			}
			entries++
		}
		if err := conn.RPush(ctx, "whitelists", listName).Err(); err != nil {
			c.log.Fatalx("appending whitelist to root list", err, mlog.Field("whitelist", listName))
		}
	}
	c.log.Print("imported whitelists", mlog.Field("whitelists", len(lists)), mlog.Field("entries", entries))
}

func randomID(n int) string {
	buf := make([]byte, n)
	if _, err := cryptorand.Read(buf); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
