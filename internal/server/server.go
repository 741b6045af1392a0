// Package server exposes relay discovery and closest-relay selection
// over HTTP. Lookups hit the cached relay set when it is fresh;
// concurrent cache misses are coalesced into a single discovery pass.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"relay-compass/internal/config"
	"relay-compass/internal/discovery"
	"relay-compass/internal/logging"
	"relay-compass/internal/nip19"
	"relay-compass/internal/store"
)

// Options configures a Server.
type Options struct {
	Discoverer *discovery.Discoverer
	Cache      *store.RelaySetCache  // nil disables caching
	Config     func() *config.Config // nil means config.Get
	Backend    string                // cache backend label for metrics
}

// Server handles lookup and discovery requests.
type Server struct {
	disc    *discovery.Discoverer
	cache   *store.RelaySetCache
	cfg     func() *config.Config
	backend string
	group   singleflight.Group
	start   time.Time
}

// New builds a Server from opts.
func New(opts Options) *Server {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Get
	}
	backend := opts.Backend
	if backend == "" {
		backend = "none"
	}
	return &Server{
		disc:    opts.Discoverer,
		cache:   opts.Cache,
		cfg:     cfg,
		backend: backend,
		start:   time.Now(),
	}
}

// Handler returns the HTTP routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/closest", s.handleClosest)
	mux.HandleFunc("/v1/relays", s.handleRelays)
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return RequestLoggingMiddleware(mux)
}

type closestResponse struct {
	Target    string    `json:"target"`
	N         int       `json:"n"`
	Relays    []string  `json:"relays"`
	FetchedAt time.Time `json:"fetched_at"`
}

// handleClosest serves GET /v1/closest?target=<hex-or-npub>&n=<count>.
func (s *Server) handleClosest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	target := r.URL.Query().Get("target")
	if target == "" {
		http.Error(w, "Missing target parameter", http.StatusBadRequest)
		return
	}
	if nip19.IsNpub(target) {
		hexKey, err := nip19.DecodePubkey(target)
		if err != nil {
			http.Error(w, "Invalid npub: "+err.Error(), http.StatusBadRequest)
			return
		}
		target = hexKey
	}

	n := s.cfg().TopN
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "Parameter n must be a positive integer", http.StatusBadRequest)
			return
		}
		n = parsed
	}

	set, err := s.relaySet(r.Context())
	if err != nil {
		logging.FromContext(r.Context()).Error("discovery failed", "error", err)
		http.Error(w, "Discovery failed", http.StatusInternalServerError)
		return
	}

	urls, err := discovery.Closest(target, set.Result, discovery.SelectOptions{
		N:      n,
		Hasher: s.disc.Hasher,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	lookupsTotal.Add(1)

	if urls == nil {
		urls = []string{}
	}
	resp := closestResponse{
		Target:    target,
		N:         n,
		Relays:    urls,
		FetchedAt: set.FetchedAt,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.FromContext(r.Context()).Error("failed to encode closest response", "error", err)
	}
}

type relayEntry struct {
	URL    string `json:"url"`
	Digest string `json:"digest"`
}

type relaysResponse struct {
	Count     int          `json:"count"`
	Relays    []relayEntry `json:"relays"`
	FetchedAt time.Time    `json:"fetched_at"`
}

// handleRelays serves GET /v1/relays, the full discovered relay set.
func (s *Server) handleRelays(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	set, err := s.relaySet(r.Context())
	if err != nil {
		logging.FromContext(r.Context()).Error("discovery failed", "error", err)
		http.Error(w, "Discovery failed", http.StatusInternalServerError)
		return
	}

	entries := make([]relayEntry, 0, len(set.Result.Records))
	for _, rec := range set.Result.Records {
		entries = append(entries, relayEntry{URL: rec.URL, Digest: rec.Digest.Hex()})
	}
	resp := relaysResponse{
		Count:     len(entries),
		Relays:    entries,
		FetchedAt: set.FetchedAt,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.FromContext(r.Context()).Error("failed to encode relays response", "error", err)
	}
}

// relaySet returns the current relay set, serving from cache when fresh
// and otherwise running one shared discovery pass for all waiters.
func (s *Server) relaySet(ctx context.Context) (store.Cached, error) {
	if s.cache != nil {
		if cached, ok := s.cache.Get(ctx); ok && s.cache.Fresh(cached) {
			cacheHitsTotal.Add(1)
			relaysKnown.Store(int64(len(cached.Result.Records)))
			return cached, nil
		}
	}
	cacheMissesTotal.Add(1)

	cfg := s.cfg()
	v, err, shared := s.group.Do(flightKey(cfg.BootstrapRelays), func() (interface{}, error) {
		return s.discoverRelaySet(cfg)
	})
	if err != nil {
		return store.Cached{}, err
	}
	if shared {
		logging.FromContext(ctx).Debug("singleflight: shared discovery pass")
	}
	return v.(store.Cached), nil
}

// flightKey creates a stable key for singleflight deduplication.
// Keying by the sorted bootstrap set means a config reload that
// changes the set does not latch onto a pass over the old one.
func flightKey(bootstrap []string) string {
	sorted := append([]string(nil), bootstrap...)
	sort.Strings(sorted)
	return "relayset:" + strings.Join(sorted, "|")
}

// discoverRelaySet runs a full discovery pass. The pass is detached
// from any single request context so one impatient client cannot
// cancel a result other waiters will share.
func (s *Server) discoverRelaySet(cfg *config.Config) (store.Cached, error) {
	ctx := context.Background()

	res, err := s.disc.Discover(ctx, cfg.BootstrapRelays, discovery.Options{
		Timeout:            cfg.Timeout,
		LimitPerConnection: cfg.LimitPerConnection,
	})
	if err != nil {
		return store.Cached{}, err
	}
	discoveriesTotal.Add(1)
	connectionFailuresTotal.Add(int64(res.Stats.Failed))

	if s.cache != nil {
		// Fold in whatever an earlier pass found. Relays that went
		// quiet since then still count as candidates.
		if stale, ok := s.cache.Get(ctx); ok {
			res = res.Merge(stale.Result)
		}
		if len(res.Records) > 0 {
			s.cache.Set(ctx, res)
		}
	}
	relaysKnown.Store(int64(len(res.Records)))
	return store.Cached{Result: res, FetchedAt: time.Now()}, nil
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
