package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli"

	"relay-compass/internal/config"
	"relay-compass/internal/discovery"
	"relay-compass/internal/logging"
	"relay-compass/internal/nostr"
	"relay-compass/internal/store"
)

const (
	defaultCacheFilename = "relays.db"

	envRedisURL = "REDIS_URL"
	envPort     = "PORT"
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[relaycompass] %v\n", err)
	os.Exit(1)
}

func main() {
	app := cli.NewApp()
	app.Name = "relaycompass"
	app.Version = "0.2.0"
	app.Usage = "discover nostr relays and rank them by distance to a target"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:      "config, c",
			Usage:     "Path to the JSON config file.",
			TakesFile: true,
		},
		cli.StringSliceFlag{
			Name: "bootstrap, b",
			Usage: "Bootstrap relay URL to query for relay lists. " +
				"May be given multiple times; overrides the config file.",
		},
		cli.DurationFlag{
			Name:  "timeout",
			Usage: "Per-pass discovery timeout, e.g. 5s.",
		},
		cli.IntFlag{
			Name:  "limit",
			Usage: "Relay list events requested per connection.",
		},
		cli.StringFlag{
			Name:      "cache",
			Usage:     "Path to the local cache file.",
			TakesFile: true,
		},
		cli.BoolFlag{
			Name:  "no-cache",
			Usage: "Skip the relay set cache entirely.",
		},
		cli.BoolFlag{
			Name:  "verbose, v",
			Usage: "Enable debug logging.",
		},
	}
	app.Before = func(c *cli.Context) error {
		if c.GlobalBool("verbose") {
			os.Setenv("LOG_LEVEL", "debug")
		}
		logging.Init()
		if path := c.GlobalString("config"); path != "" {
			os.Setenv(config.EnvConfigPath, path)
		}
		return nil
	}
	app.Commands = []cli.Command{
		lookupCommand,
		discoverCommand,
		serveCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}

// resolveConfig layers global flags over the loaded config file.
func resolveConfig(c *cli.Context) *config.Config {
	return applyFlags(c, config.Get())
}

func applyFlags(c *cli.Context, base *config.Config) *config.Config {
	cfg := *base

	if raw := c.GlobalStringSlice("bootstrap"); len(raw) > 0 {
		var relays []string
		for _, r := range raw {
			normalized := nostr.NormalizeRelayURL(r)
			if normalized == "" {
				slog.Warn("ignoring invalid bootstrap relay", "url", r)
				continue
			}
			relays = append(relays, normalized)
		}
		if len(relays) > 0 {
			cfg.BootstrapRelays = relays
		}
	}
	if d := c.GlobalDuration("timeout"); d > 0 {
		cfg.Timeout = d
	}
	if n := c.GlobalInt("limit"); n > 0 {
		cfg.LimitPerConnection = n
	}
	if path := c.GlobalString("cache"); path != "" {
		cfg.CachePath = path
	}
	return &cfg
}

// openCache picks a cache backend: Redis when REDIS_URL is set, else a
// local bolt file, else plain memory. Returns nil with --no-cache.
func openCache(c *cli.Context, cfg *config.Config) (*store.RelaySetCache, string) {
	if c.GlobalBool("no-cache") {
		return nil, "none"
	}
	backend, label := openBackend(cfg)
	return store.NewRelaySetCache(backend, cfg.CacheTTL, nil), label
}

func openBackend(cfg *config.Config) (store.Backend, string) {
	if redisURL := os.Getenv(envRedisURL); redisURL != "" {
		backend, err := store.NewRedisCache(redisURL, "compass:")
		if err == nil {
			return backend, "redis"
		}
		slog.Warn("redis unavailable, falling back to local cache", "error", err)
	}

	path := cfg.CachePath
	if path == "" {
		path = defaultCachePath()
	}
	backend, err := store.OpenBolt(path)
	if err != nil {
		slog.Warn("local cache unavailable, using in-memory cache",
			"path", path, "error", err)
		return store.NewMemoryCache(1024, 5*time.Minute), "memory"
	}
	return backend, "bolt"
}

func defaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "relay-compass", defaultCacheFilename)
}

func newDiscoverer(cfg *config.Config) *discovery.Discoverer {
	d := discovery.New(discovery.NewWebSocketTransport())
	d.VerifySignatures = cfg.VerifySignatures
	return d
}

func printRespJSON(resp interface{}) {
	b, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(b))
}
