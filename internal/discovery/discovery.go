// Package discovery finds the relay set announced across a bootstrap
// pool and selects the relays closest to a lookup target by XOR
// distance over SHA-256 digests.
package discovery

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"relay-compass/internal/digest"
	"relay-compass/internal/nostr"
)

const (
	DefaultTimeout            = 10 * time.Second
	DefaultLimitPerConnection = 1000
)

// Options bound one discovery pass. Zero values take the defaults;
// negative values are rejected.
type Options struct {
	Timeout            time.Duration
	LimitPerConnection int
}

func (o Options) withDefaults() (Options, error) {
	if o.Timeout < 0 {
		return o, fmt.Errorf("timeout must not be negative, got %v", o.Timeout)
	}
	if o.LimitPerConnection < 0 {
		return o, fmt.Errorf("limit per connection must not be negative, got %d", o.LimitPerConnection)
	}
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
	if o.LimitPerConnection == 0 {
		o.LimitPerConnection = DefaultLimitPerConnection
	}
	return o, nil
}

// RelayRecord is one discovered relay: the URL exactly as announced and
// its digest. Records are immutable once built.
type RelayRecord struct {
	URL    string
	Digest digest.Digest
}

// Result is the deduplicated relay set from one discovery pass. Records
// are kept in ascending URL order so output is stable; the order carries
// no meaning.
type Result struct {
	Records []RelayRecord
	Stats   Stats
}

// Stats summarizes what a pass saw. Used for logs, CLI summaries and
// server counters.
type Stats struct {
	Endpoints int
	Connected int
	Failed    int
	Events    int
	Malformed int
	Elapsed   time.Duration
}

// URLs returns the record URLs in stored order.
func (r Result) URLs() []string {
	urls := make([]string, len(r.Records))
	for i, rec := range r.Records {
		urls[i] = rec.URL
	}
	return urls
}

// Merge unions another result's records into this one, deduplicating by
// URL. The receiver's records win on collision and its stats are kept;
// merging cached records into a fresh pass is the intended use.
func (r Result) Merge(other Result) Result {
	seen := make(map[string]bool, len(r.Records))
	merged := make([]RelayRecord, 0, len(r.Records)+len(other.Records))
	for _, rec := range r.Records {
		seen[rec.URL] = true
		merged = append(merged, rec)
	}
	for _, rec := range other.Records {
		if seen[rec.URL] {
			continue
		}
		seen[rec.URL] = true
		merged = append(merged, rec)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].URL < merged[j].URL })
	return Result{Records: merged, Stats: r.Stats}
}

// Discoverer runs discovery passes. All collaborators are injectable;
// the zero value plus a Transport is usable, New fills in production
// defaults.
type Discoverer struct {
	Transport Transport
	Hasher    digest.Hasher
	SubID     func() string
	// VerifySignatures rejects events whose attached signature fails
	// Schnorr verification. Events without a signature pass either way.
	VerifySignatures bool
	Logger           *slog.Logger
}

func New(transport Transport) *Discoverer {
	return &Discoverer{
		Transport:        transport,
		Hasher:           digest.Sum,
		SubID:            NewSubID,
		VerifySignatures: true,
		Logger:           slog.Default(),
	}
}

// NewSubID returns a fresh subscription identifier.
func NewSubID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return "sub-" + hex.EncodeToString(b)
}

// Discover queries every bootstrap URL concurrently for kind 10002
// relay lists and returns the union of announced relay URLs, each
// hashed exactly once. Endpoint failures are absorbed: a pass only
// errors on invalid options. The call returns once every per-endpoint
// task has finalized, so it is bounded by the slowest single timeout,
// never the sum.
func (d *Discoverer) Discover(ctx context.Context, bootstrap []string, opts Options) (Result, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return Result{}, err
	}

	started := time.Now()
	logger := d.logger()

	partials := make(chan partial, len(bootstrap))
	var wg sync.WaitGroup
	for _, relayURL := range bootstrap {
		wg.Add(1)
		go func(relayURL string) {
			defer wg.Done()
			partials <- d.collect(ctx, relayURL, opts)
		}(relayURL)
	}
	wg.Wait()
	close(partials)

	seen := make(map[string]bool)
	var records []RelayRecord
	stats := Stats{Endpoints: len(bootstrap)}
	hash := d.hasher()
	for p := range partials {
		if p.connected {
			stats.Connected++
		} else {
			stats.Failed++
		}
		stats.Events += p.events
		stats.Malformed += p.malformed
		for _, u := range p.urls {
			if seen[u] {
				continue
			}
			seen[u] = true
			records = append(records, RelayRecord{URL: u, Digest: hash(u)})
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].URL < records[j].URL })
	stats.Elapsed = time.Since(started)

	logger.Info("discovery pass complete",
		"endpoints", stats.Endpoints,
		"connected", stats.Connected,
		"relays", len(records),
		"elapsed", stats.Elapsed)

	return Result{Records: records, Stats: stats}, nil
}

// partial is what one endpoint task hands back. Every task reports
// exactly one, whatever way it ends.
type partial struct {
	urls      []string
	connected bool
	events    int
	malformed int
}

func (d *Discoverer) collect(ctx context.Context, relayURL string, opts Options) partial {
	var p partial
	logger := d.logger().With("relay", relayURL)

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	conn, err := d.transport().Dial(ctx, relayURL)
	if err != nil {
		logger.Debug("connect failed", "error", err)
		return p
	}
	defer conn.Close()
	p.connected = true

	// A blocked read cannot observe the context, so close the
	// connection when the task deadline passes. Close is idempotent;
	// racing the deferred release is fine.
	watcherDone := make(chan struct{})
	defer close(watcherDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watcherDone:
		}
	}()

	subID := d.subID()
	req := nostr.ReqFrame(subID, nostr.Filter{
		Kinds: []int{nostr.KindRelayList},
		Limit: opts.LimitPerConnection,
	})
	if err := conn.WriteJSON(req); err != nil {
		logger.Debug("send REQ failed", "error", err)
		return p
	}

	seen := make(map[string]bool)
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			// Timeout, relay hangup, cancellation: the partial
			// collected so far still counts.
			logger.Debug("read ended", "error", err, "relays", len(p.urls))
			return p
		}

		msg, err := nostr.ParseMessage(data)
		if err != nil {
			p.malformed++
			continue
		}

		switch msg.Type {
		case nostr.MsgEvent:
			if msg.SubID != subID || msg.Event == nil || msg.Event.ID == "" {
				continue
			}
			evt := msg.Event
			if d.VerifySignatures && evt.Sig != "" && !nostr.ValidateEventSignature(evt) {
				logger.Warn("event signature validation failed", "event_id", nostr.ShortID(evt.ID))
				continue
			}
			if evt.Kind != nostr.KindRelayList {
				continue
			}
			p.events++
			for _, u := range evt.RelayURLs() {
				if seen[u] {
					continue
				}
				seen[u] = true
				p.urls = append(p.urls, u)
			}
		case nostr.MsgEOSE:
			if msg.SubID != subID {
				continue
			}
			logger.Debug("eose", "relays", len(p.urls), "events", p.events)
			return p
		case nostr.MsgClosed:
			if msg.SubID != subID {
				continue
			}
			logger.Debug("subscription closed by relay", "reason", msg.Text)
			return p
		case nostr.MsgNotice:
			logger.Debug("relay notice", "text", msg.Text)
		}
	}
}

var defaultTransport = NewWebSocketTransport()

func (d *Discoverer) transport() Transport {
	if d.Transport != nil {
		return d.Transport
	}
	return defaultTransport
}

func (d *Discoverer) hasher() digest.Hasher {
	if d.Hasher != nil {
		return d.Hasher
	}
	return digest.Sum
}

func (d *Discoverer) subID() string {
	if d.SubID != nil {
		return d.SubID()
	}
	return NewSubID()
}

func (d *Discoverer) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}
