package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestBolt(t *testing.T) (*BoltCache, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	s, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("OpenBolt: %v", err)
	}
	return s, path
}

func TestBoltCacheRoundTrip(t *testing.T) {
	s, _ := openTestBolt(t)
	defer s.Close()
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, found, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || string(got) != "v" {
		t.Fatalf("got %q found=%v", got, found)
	}

	if _, found, _ := s.Get(ctx, "missing"); found {
		t.Error("missing key reported found")
	}

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, found, _ := s.Get(ctx, "k"); found {
		t.Error("deleted key reported found")
	}
}

func TestBoltCacheExpiry(t *testing.T) {
	s, _ := openTestBolt(t)
	defer s.Close()
	ctx := context.Background()

	// Unix-second expiry: anything already in the past reads as a miss.
	if err := s.Set(ctx, "old", []byte("v"), -time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, found, _ := s.Get(ctx, "old"); !found {
		t.Error("non-positive ttl should mean keep indefinitely")
	}

	if err := s.Set(ctx, "k", []byte("v"), 1*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(2100 * time.Millisecond)
	if _, found, _ := s.Get(ctx, "k"); found {
		t.Error("expired key reported found")
	}
}

func TestBoltCachePersistsAcrossReopen(t *testing.T) {
	s, path := openTestBolt(t)
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("survives"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, found, err := reopened.Get(ctx, "k")
	if err != nil || !found {
		t.Fatalf("Get after reopen: found=%v err=%v", found, err)
	}
	if string(got) != "survives" {
		t.Errorf("value = %q", got)
	}
}

func TestOpenBoltRejectsEmptyPath(t *testing.T) {
	if _, err := OpenBolt(""); err == nil {
		t.Error("empty path accepted")
	}
}
