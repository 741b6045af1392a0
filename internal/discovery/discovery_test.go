package discovery

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"relay-compass/internal/digest"
	"relay-compass/internal/nostr"
)

const (
	bootA = "wss://boot-a.example.com"
	bootB = "wss://boot-b.example.com"
)

// fakeConn serves a scripted sequence of frames, then either blocks
// until closed (a silent relay) or drops the connection.
type fakeConn struct {
	mu        sync.Mutex
	frames    [][]byte
	idx       int
	writes    [][]byte
	dropAtEnd bool
	isClosed  bool
	closed    chan struct{}
}

func newFakeConn(frames ...[]byte) *fakeConn {
	return &fakeConn{frames: frames, closed: make(chan struct{})}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.writes = append(c.writes, data)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	c.mu.Lock()
	if c.idx < len(c.frames) {
		frame := c.frames[c.idx]
		c.idx++
		c.mu.Unlock()
		return frame, nil
	}
	drop := c.dropAtEnd
	c.mu.Unlock()

	if drop {
		return nil, errors.New("relay hung up")
	}
	<-c.closed
	return nil, errors.New("use of closed connection")
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isClosed {
		c.isClosed = true
		close(c.closed)
	}
	return nil
}

func (c *fakeConn) wasClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isClosed
}

func (c *fakeConn) firstWrite(t *testing.T) []byte {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.writes) == 0 {
		t.Fatal("no frames written to connection")
	}
	return c.writes[0]
}

type fakeTransport struct {
	mu      sync.Mutex
	conns   map[string]*fakeConn
	dialErr map[string]error
	dials   map[string]int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		conns:   make(map[string]*fakeConn),
		dialErr: make(map[string]error),
		dials:   make(map[string]int),
	}
}

func (t *fakeTransport) relay(url string, frames ...[]byte) *fakeConn {
	c := newFakeConn(frames...)
	t.conns[url] = c
	return c
}

func (t *fakeTransport) failDial(url string) {
	t.dialErr[url] = errors.New("connection refused")
}

func (t *fakeTransport) Dial(ctx context.Context, url string) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials[url]++
	if err := t.dialErr[url]; err != nil {
		return nil, err
	}
	c, ok := t.conns[url]
	if !ok {
		return nil, fmt.Errorf("no relay scripted for %s", url)
	}
	return c, nil
}

func testDiscoverer(t *testing.T, transport Transport) *Discoverer {
	t.Helper()
	d := New(transport)
	d.SubID = func() string { return "sub-test" }
	d.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return d
}

func eventFrame(t *testing.T, subID, sig string, kind int, tags [][]string) []byte {
	t.Helper()
	evt := nostr.Event{
		ID:        "5ed2f9b59318dbe29b1264acb35410ac4ede02023bd625fa4f9ba9758cea1ecc",
		PubKey:    "bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec",
		CreatedAt: 1700000000,
		Kind:      kind,
		Tags:      tags,
		Sig:       sig,
	}
	data, err := json.Marshal([]interface{}{"EVENT", subID, evt})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return data
}

func relayListFrame(t *testing.T, subID string, urls ...string) []byte {
	t.Helper()
	tags := make([][]string, 0, len(urls))
	for _, u := range urls {
		tags = append(tags, []string{"r", u})
	}
	return eventFrame(t, subID, "", nostr.KindRelayList, tags)
}

func eoseFrame(subID string) []byte {
	return []byte(`["EOSE","` + subID + `"]`)
}

func TestDiscoverUnionAcrossEndpoints(t *testing.T) {
	transport := newFakeTransport()
	transport.relay(bootA,
		relayListFrame(t, "sub-test", "wss://alpha.example.com", "wss://beta.example.com"),
		eoseFrame("sub-test"),
	)
	transport.relay(bootB,
		relayListFrame(t, "sub-test", "wss://beta.example.com", "wss://gamma.example.com"),
		eoseFrame("sub-test"),
	)

	d := testDiscoverer(t, transport)
	res, err := d.Discover(context.Background(), []string{bootA, bootB}, Options{})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	want := []string{"wss://alpha.example.com", "wss://beta.example.com", "wss://gamma.example.com"}
	got := res.URLs()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("url[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	for _, rec := range res.Records {
		if rec.Digest != digest.Sum(rec.URL) {
			t.Errorf("record %s carries wrong digest", rec.URL)
		}
	}
	if res.Stats.Endpoints != 2 || res.Stats.Connected != 2 || res.Stats.Failed != 0 {
		t.Errorf("stats = %+v", res.Stats)
	}
	if res.Stats.Events != 2 {
		t.Errorf("events = %d, want 2", res.Stats.Events)
	}
}

func TestDiscoverConnectionFailureIsNonFatal(t *testing.T) {
	transport := newFakeTransport()
	transport.relay(bootA,
		relayListFrame(t, "sub-test", "wss://alpha.example.com"),
		eoseFrame("sub-test"),
	)
	transport.failDial(bootB)

	d := testDiscoverer(t, transport)
	res, err := d.Discover(context.Background(), []string{bootA, bootB}, Options{})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if got := res.URLs(); len(got) != 1 || got[0] != "wss://alpha.example.com" {
		t.Errorf("urls = %v", got)
	}
	if res.Stats.Connected != 1 || res.Stats.Failed != 1 {
		t.Errorf("stats = %+v", res.Stats)
	}
}

func TestDiscoverAllEndpointsFailing(t *testing.T) {
	transport := newFakeTransport()
	transport.failDial(bootA)
	transport.failDial(bootB)

	d := testDiscoverer(t, transport)
	res, err := d.Discover(context.Background(), []string{bootA, bootB}, Options{})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(res.Records) != 0 {
		t.Errorf("records = %v, want none", res.Records)
	}
	if res.Stats.Failed != 2 {
		t.Errorf("failed = %d, want 2", res.Stats.Failed)
	}
}

func TestDiscoverEmptyBootstrap(t *testing.T) {
	d := testDiscoverer(t, newFakeTransport())
	res, err := d.Discover(context.Background(), nil, Options{})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(res.Records) != 0 || res.Stats.Endpoints != 0 {
		t.Errorf("res = %+v", res)
	}
}

func TestDiscoverSilentEndpointIsBounded(t *testing.T) {
	transport := newFakeTransport()
	transport.relay(bootA,
		relayListFrame(t, "sub-test", "wss://alpha.example.com"),
		eoseFrame("sub-test"),
	)
	transport.relay(bootB) // never answers

	d := testDiscoverer(t, transport)
	started := time.Now()
	res, err := d.Discover(context.Background(), []string{bootA, bootB}, Options{Timeout: 200 * time.Millisecond})
	elapsed := time.Since(started)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if elapsed > 5*time.Second {
		t.Fatalf("discovery took %v with one silent endpoint", elapsed)
	}
	if got := res.URLs(); len(got) != 1 || got[0] != "wss://alpha.example.com" {
		t.Errorf("urls = %v", got)
	}
	if res.Stats.Connected != 2 {
		t.Errorf("connected = %d, want 2", res.Stats.Connected)
	}
}

func TestDiscoverEOSEFinishesBeforeTimeout(t *testing.T) {
	transport := newFakeTransport()
	transport.relay(bootA, eoseFrame("sub-test"))

	d := testDiscoverer(t, transport)
	started := time.Now()
	if _, err := d.Discover(context.Background(), []string{bootA}, Options{}); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if elapsed := time.Since(started); elapsed > 5*time.Second {
		t.Fatalf("EOSE did not finalize the task early (took %v)", elapsed)
	}
}

func TestDiscoverParentCancellation(t *testing.T) {
	transport := newFakeTransport()
	transport.relay(bootA) // silent

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	d := testDiscoverer(t, transport)
	started := time.Now()
	res, err := d.Discover(ctx, []string{bootA}, Options{Timeout: 30 * time.Second})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if elapsed := time.Since(started); elapsed > 5*time.Second {
		t.Fatalf("cancellation did not unblock the task (took %v)", elapsed)
	}
	if len(res.Records) != 0 {
		t.Errorf("records = %v", res.Records)
	}
}

func TestDiscoverSkipsMalformedFrames(t *testing.T) {
	transport := newFakeTransport()
	transport.relay(bootA,
		[]byte(`this is not json`),
		relayListFrame(t, "sub-test", "wss://alpha.example.com"),
		[]byte(`{"not":"an array"}`),
		relayListFrame(t, "sub-other", "wss://wrong-subscription.example.com"),
		[]byte(`["EVENT"]`),
		eoseFrame("sub-test"),
	)

	d := testDiscoverer(t, transport)
	res, err := d.Discover(context.Background(), []string{bootA}, Options{})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if got := res.URLs(); len(got) != 1 || got[0] != "wss://alpha.example.com" {
		t.Errorf("urls = %v", got)
	}
	if res.Stats.Malformed != 3 {
		t.Errorf("malformed = %d, want 3", res.Stats.Malformed)
	}
	if res.Stats.Events != 1 {
		t.Errorf("events = %d, want 1", res.Stats.Events)
	}
}

func TestDiscoverFiltersKindsAndSchemes(t *testing.T) {
	transport := newFakeTransport()
	transport.relay(bootA,
		eventFrame(t, "sub-test", "", 1, [][]string{{"r", "wss://from-wrong-kind.example.com"}}),
		eventFrame(t, "sub-test", "", nostr.KindRelayList, [][]string{
			{"r", "https://not-websocket.example.com"},
			{"r", "wss://kept.example.com"},
			{"p", "bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec"},
		}),
		eoseFrame("sub-test"),
	)

	d := testDiscoverer(t, transport)
	res, err := d.Discover(context.Background(), []string{bootA}, Options{})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if got := res.URLs(); len(got) != 1 || got[0] != "wss://kept.example.com" {
		t.Errorf("urls = %v", got)
	}
	if res.Stats.Events != 1 {
		t.Errorf("events = %d, want 1", res.Stats.Events)
	}
}

func TestDiscoverSignaturePolicy(t *testing.T) {
	badSig := strings.Repeat("ab", 64)
	frames := func() [][]byte {
		return [][]byte{
			eventFrame(t, "sub-test", badSig, nostr.KindRelayList, [][]string{{"r", "wss://signed-badly.example.com"}}),
			relayListFrame(t, "sub-test", "wss://unsigned.example.com"),
			eoseFrame("sub-test"),
		}
	}

	transport := newFakeTransport()
	transport.relay(bootA, frames()...)
	d := testDiscoverer(t, transport)
	res, err := d.Discover(context.Background(), []string{bootA}, Options{})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if got := res.URLs(); len(got) != 1 || got[0] != "wss://unsigned.example.com" {
		t.Errorf("verifying pass: urls = %v", got)
	}

	transport = newFakeTransport()
	transport.relay(bootA, frames()...)
	d = testDiscoverer(t, transport)
	d.VerifySignatures = false
	res, err = d.Discover(context.Background(), []string{bootA}, Options{})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if got := res.URLs(); len(got) != 2 {
		t.Errorf("non-verifying pass: urls = %v", got)
	}
}

func TestDiscoverReqFrame(t *testing.T) {
	transport := newFakeTransport()
	conn := transport.relay(bootA, eoseFrame("sub-test"))

	d := testDiscoverer(t, transport)
	if _, err := d.Discover(context.Background(), []string{bootA}, Options{LimitPerConnection: 42}); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(conn.firstWrite(t), &arr); err != nil {
		t.Fatalf("unmarshal REQ: %v", err)
	}
	if len(arr) != 3 {
		t.Fatalf("REQ frame has %d elements", len(arr))
	}
	var typ, subID string
	if err := json.Unmarshal(arr[0], &typ); err != nil || typ != "REQ" {
		t.Errorf("frame type = %q (%v)", typ, err)
	}
	if err := json.Unmarshal(arr[1], &subID); err != nil || subID != "sub-test" {
		t.Errorf("sub id = %q (%v)", subID, err)
	}
	var filter struct {
		Kinds []int `json:"kinds"`
		Limit int   `json:"limit"`
	}
	if err := json.Unmarshal(arr[2], &filter); err != nil {
		t.Fatalf("unmarshal filter: %v", err)
	}
	if len(filter.Kinds) != 1 || filter.Kinds[0] != nostr.KindRelayList {
		t.Errorf("kinds = %v", filter.Kinds)
	}
	if filter.Limit != 42 {
		t.Errorf("limit = %d, want 42", filter.Limit)
	}
}

func TestDiscoverRejectsInvalidOptions(t *testing.T) {
	d := testDiscoverer(t, newFakeTransport())

	if _, err := d.Discover(context.Background(), []string{bootA}, Options{Timeout: -time.Second}); err == nil {
		t.Error("negative timeout accepted")
	}
	if _, err := d.Discover(context.Background(), []string{bootA}, Options{LimitPerConnection: -1}); err == nil {
		t.Error("negative limit accepted")
	}
}

func TestDiscoverClosesEveryConnection(t *testing.T) {
	transport := newFakeTransport()
	connA := transport.relay(bootA,
		relayListFrame(t, "sub-test", "wss://alpha.example.com"),
		eoseFrame("sub-test"),
	)
	connB := transport.relay(bootB) // silent, closed by the deadline watcher

	d := testDiscoverer(t, transport)
	if _, err := d.Discover(context.Background(), []string{bootA, bootB}, Options{Timeout: 200 * time.Millisecond}); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if !connA.wasClosed() {
		t.Error("responsive connection left open")
	}
	if !connB.wasClosed() {
		t.Error("silent connection left open")
	}
}

func TestDiscoverKeepsPartialOnHangup(t *testing.T) {
	transport := newFakeTransport()
	conn := transport.relay(bootA,
		relayListFrame(t, "sub-test", "wss://alpha.example.com"),
	)
	conn.dropAtEnd = true // relay dies before EOSE

	d := testDiscoverer(t, transport)
	res, err := d.Discover(context.Background(), []string{bootA}, Options{})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if got := res.URLs(); len(got) != 1 || got[0] != "wss://alpha.example.com" {
		t.Errorf("urls = %v", got)
	}
}

func TestDiscoverDeduplicatesWithinEndpoint(t *testing.T) {
	transport := newFakeTransport()
	transport.relay(bootA,
		relayListFrame(t, "sub-test", "wss://alpha.example.com", "wss://alpha.example.com"),
		relayListFrame(t, "sub-test", "wss://alpha.example.com"),
		eoseFrame("sub-test"),
	)

	d := testDiscoverer(t, transport)
	res, err := d.Discover(context.Background(), []string{bootA}, Options{})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(res.Records) != 1 {
		t.Errorf("records = %v, want one", res.Records)
	}
}

func TestNewSubID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewSubID()
		if !strings.HasPrefix(id, "sub-") {
			t.Fatalf("id %q missing prefix", id)
		}
		if _, err := hex.DecodeString(strings.TrimPrefix(id, "sub-")); err != nil {
			t.Fatalf("id %q suffix is not hex: %v", id, err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestResultMerge(t *testing.T) {
	fresh := Result{
		Records: []RelayRecord{
			{URL: "wss://alpha.example.com", Digest: digest.Sum("wss://alpha.example.com")},
			{URL: "wss://beta.example.com", Digest: digest.Sum("wss://beta.example.com")},
		},
		Stats: Stats{Endpoints: 2, Connected: 2},
	}
	cached := Result{
		Records: []RelayRecord{
			{URL: "wss://beta.example.com", Digest: digest.Sum("wss://beta.example.com")},
			{URL: "wss://gamma.example.com", Digest: digest.Sum("wss://gamma.example.com")},
		},
	}

	merged := fresh.Merge(cached)
	want := []string{"wss://alpha.example.com", "wss://beta.example.com", "wss://gamma.example.com"}
	got := merged.URLs()
	if len(got) != len(want) {
		t.Fatalf("merged urls = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("url[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if merged.Stats.Endpoints != 2 {
		t.Errorf("merge dropped receiver stats: %+v", merged.Stats)
	}
	if len(fresh.Records) != 2 || len(cached.Records) != 2 {
		t.Error("merge mutated its inputs")
	}
}

func TestDiscoverThenClosest(t *testing.T) {
	transport := newFakeTransport()
	transport.relay(bootA,
		relayListFrame(t, "sub-test", "wss://alpha.example.com", "wss://beta.example.com"),
		eoseFrame("sub-test"),
	)
	transport.relay(bootB,
		relayListFrame(t, "sub-test", "wss://beta.example.com", "wss://gamma.example.com"),
		eoseFrame("sub-test"),
	)

	d := testDiscoverer(t, transport)
	res, err := d.Discover(context.Background(), []string{bootA, bootB}, Options{})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	const target = "bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec"
	urls, err := Closest(target, res, SelectOptions{})
	if err != nil {
		t.Fatalf("Closest: %v", err)
	}
	if len(urls) != 3 {
		t.Fatalf("urls = %v, want all three candidates", urls)
	}

	targetDigest := digest.Sum(target)
	for i := 1; i < len(urls); i++ {
		prev := digest.Distance(targetDigest, digest.Sum(urls[i-1]))
		cur := digest.Distance(targetDigest, digest.Sum(urls[i]))
		if prev.Cmp(cur) > 0 {
			t.Fatalf("urls[%d] is closer than urls[%d]", i, i-1)
		}
	}
}
