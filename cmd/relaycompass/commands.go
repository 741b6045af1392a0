package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"relay-compass/internal/config"
	"relay-compass/internal/discovery"
	"relay-compass/internal/nip19"
	"relay-compass/internal/server"
	"relay-compass/internal/store"
)

// defaultLookupTarget is a demo pubkey so lookup works with no
// arguments on a fresh install.
const defaultLookupTarget = "bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec"

var lookupCommand = cli.Command{
	Name:      "lookup",
	Usage:     "Find the relays closest to a target identifier.",
	ArgsUsage: "[target]",
	Description: `
	Discovers relays announced in kind 10002 relay lists on the
	bootstrap relays, then ranks them by XOR distance between the
	SHA-256 digest of the target and the digest of each relay URL.

	The target may be a hex pubkey, an npub, an event ID, or any
	other identifier. Without an argument a demo pubkey is used.`,
	Flags: []cli.Flag{
		cli.IntFlag{
			Name:  "n",
			Usage: "Number of relays to return.",
		},
		cli.BoolFlag{
			Name:  "json",
			Usage: "Print the result as JSON.",
		},
	},
	Action: lookup,
}

func lookup(c *cli.Context) error {
	target := c.Args().First()
	if target == "" {
		target = defaultLookupTarget
	}
	if nip19.IsNpub(target) {
		hexKey, err := nip19.DecodePubkey(target)
		if err != nil {
			return fmt.Errorf("invalid npub %q: %w", target, err)
		}
		target = hexKey
	}

	cfg := resolveConfig(c)
	n := cfg.TopN
	if c.Int("n") > 0 {
		n = c.Int("n")
	}

	cache, _ := openCache(c, cfg)
	if cache != nil {
		defer cache.Close()
	}

	res, err := loadRelaySet(context.Background(), cfg, cache, false)
	if err != nil {
		return err
	}

	urls, err := discovery.Closest(target, res, discovery.SelectOptions{N: n})
	if err != nil {
		return err
	}

	if c.Bool("json") {
		printRespJSON(struct {
			Target string   `json:"target"`
			N      int      `json:"n"`
			Relays []string `json:"relays"`
		}{target, n, urls})
		return nil
	}
	for _, u := range urls {
		fmt.Println(u)
	}
	return nil
}

var discoverCommand = cli.Command{
	Name:  "discover",
	Usage: "Run a discovery pass and print the full relay set.",
	Description: `
	Connects to every bootstrap relay, requests kind 10002 relay
	lists, and prints the union of announced relay URLs. The set is
	persisted to the cache for later lookups unless --no-cache is
	given.`,
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name:  "fresh",
			Usage: "Drop the cached relay set before discovering.",
		},
		cli.BoolFlag{
			Name:  "json",
			Usage: "Print records and pass statistics as JSON.",
		},
	},
	Action: discover,
}

func discover(c *cli.Context) error {
	cfg := resolveConfig(c)

	cache, _ := openCache(c, cfg)
	if cache != nil {
		defer cache.Close()
	}

	res, err := loadRelaySet(context.Background(), cfg, cache, c.Bool("fresh"))
	if err != nil {
		return err
	}

	if c.Bool("json") {
		records := make([]discoverRecord, 0, len(res.Records))
		for _, rec := range res.Records {
			records = append(records, discoverRecord{URL: rec.URL, Digest: rec.Digest.Hex()})
		}
		printRespJSON(discoverResponse{
			Count:  len(records),
			Relays: records,
			Stats: discoverStats{
				Endpoints: res.Stats.Endpoints,
				Connected: res.Stats.Connected,
				Failed:    res.Stats.Failed,
				Events:    res.Stats.Events,
				Malformed: res.Stats.Malformed,
				ElapsedMs: res.Stats.Elapsed.Milliseconds(),
			},
		})
		return nil
	}
	for _, rec := range res.Records {
		fmt.Println(rec.URL)
	}
	return nil
}

type discoverRecord struct {
	URL    string `json:"url"`
	Digest string `json:"digest"`
}

type discoverStats struct {
	Endpoints int   `json:"endpoints"`
	Connected int   `json:"connected"`
	Failed    int   `json:"failed"`
	Events    int   `json:"events"`
	Malformed int   `json:"malformed"`
	ElapsedMs int64 `json:"elapsed_ms"`
}

type discoverResponse struct {
	Count  int              `json:"count"`
	Relays []discoverRecord `json:"relays"`
	Stats  discoverStats    `json:"stats"`
}

// loadRelaySet returns a fresh-enough relay set, discovering when the
// cache misses and merging the result with whatever was cached before.
func loadRelaySet(ctx context.Context, cfg *config.Config, cache *store.RelaySetCache, fresh bool) (discovery.Result, error) {
	if cache != nil {
		if fresh {
			cache.Invalidate(ctx)
		} else if cached, ok := cache.Get(ctx); ok && cache.Fresh(cached) {
			slog.Debug("using cached relay set", "relays", len(cached.Result.Records))
			return cached.Result, nil
		}
	}

	disc := newDiscoverer(cfg)
	res, err := disc.Discover(ctx, cfg.BootstrapRelays, discovery.Options{
		Timeout:            cfg.Timeout,
		LimitPerConnection: cfg.LimitPerConnection,
	})
	if err != nil {
		return discovery.Result{}, err
	}

	if cache != nil {
		if stale, ok := cache.Get(ctx); ok {
			res = res.Merge(stale.Result)
		}
		if len(res.Records) > 0 {
			cache.Set(ctx, res)
		}
	}
	return res, nil
}

var serveCommand = cli.Command{
	Name:  "serve",
	Usage: "Run the HTTP lookup service.",
	Description: `
	Serves closest-relay lookups over HTTP:

	    GET /v1/closest?target=<hex-or-npub>&n=<count>
	    GET /v1/relays
	    GET /health
	    GET /metrics

	The config file is watched and reloaded on change.`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "addr",
			Usage: "Listen address, e.g. :8080. Overrides the PORT env var.",
		},
	},
	Action: serve,
}

func serve(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgFn := func() *config.Config { return applyFlags(c, config.Get()) }
	cfg := cfgFn()

	cache, backendLabel := openCache(c, cfg)
	if cache != nil {
		defer cache.Close()
	}

	srv := server.New(server.Options{
		Discoverer: newDiscoverer(cfg),
		Cache:      cache,
		Config:     cfgFn,
		Backend:    backendLabel,
	})

	go func() {
		if err := config.Watch(ctx); err != nil {
			slog.Warn("config watch disabled", "error", err)
		}
	}()

	addr := c.String("addr")
	if addr == "" {
		port := os.Getenv(envPort)
		if port == "" {
			port = "8080"
		}
		addr = ":" + port
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("shutdown did not finish cleanly", "error", err)
		}
	}()

	slog.Info("starting server", "addr", addr, "cache_backend", backendLabel)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	slog.Info("server stopped")
	return nil
}
