package cachestore

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/nojaja/cachingedgeproxy/internal/cachekey"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return New(dir, 0, nil)
}

func TestStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)

	key, err := cachekey.For("https://example.com/a/b", "")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	headers := http.Header{"Content-Type": []string{"text/plain"}}
	body := []byte("hello world")

	if err := store.Store(key, http.StatusOK, headers, body); err != nil {
		t.Fatalf("Store failed: %s", err)
	}

	entry, ok := store.Lookup(key)
	if !ok {
		t.Fatal("expected lookup to find the stored entry")
	}
	if entry.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", entry.StatusCode)
	}
	if string(entry.Body) != string(body) {
		t.Errorf("body = %q, want %q", entry.Body, body)
	}
	if entry.Headers.Get("Content-Type") != "text/plain" {
		t.Errorf("headers not round-tripped: %v", entry.Headers)
	}
	if entry.URL != key.NormalizedURL {
		t.Errorf("url = %s, want %s", entry.URL, key.NormalizedURL)
	}
}

func TestLookupMissing(t *testing.T) {
	store := newTestStore(t)

	key, err := cachekey.For("https://example.com/missing", "")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if _, ok := store.Lookup(key); ok {
		t.Error("expected no entry for a key that was never stored")
	}
}

func TestLookupRepairsTruncatedSidecar(t *testing.T) {
	store := newTestStore(t)

	key, err := cachekey.For("https://example.com/page", "")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if err := store.Store(key, http.StatusOK, http.Header{}, []byte("body")); err != nil {
		t.Fatalf("Store failed: %s", err)
	}

	sidecarPath := store.abs(key.SidecarPath)
	if err := os.WriteFile(sidecarPath, nil, 0o644); err != nil {
		t.Fatalf("failed to truncate sidecar: %s", err)
	}

	if _, ok := store.Lookup(key); ok {
		t.Error("expected lookup of a truncated sidecar to report a miss")
	}

	if _, err := os.Stat(sidecarPath); !os.IsNotExist(err) {
		t.Error("expected the truncated sidecar to be removed during repair")
	}
	if _, err := os.Stat(store.abs(key.BodyPath)); !os.IsNotExist(err) {
		t.Error("expected the body to be removed alongside the truncated sidecar")
	}
}

func TestLookupRepairsMissingBody(t *testing.T) {
	store := newTestStore(t)

	key, err := cachekey.For("https://example.com/page2", "")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if err := store.Store(key, http.StatusOK, http.Header{}, []byte("body")); err != nil {
		t.Fatalf("Store failed: %s", err)
	}

	if err := os.Remove(store.abs(key.BodyPath)); err != nil {
		t.Fatalf("failed to remove body: %s", err)
	}

	if _, ok := store.Lookup(key); ok {
		t.Error("expected lookup to report a miss when the body is gone")
	}
	if _, err := os.Stat(store.abs(key.SidecarPath)); !os.IsNotExist(err) {
		t.Error("expected the orphaned sidecar to be removed during repair")
	}
}

func TestStorePanicsOnNonOK(t *testing.T) {
	store := newTestStore(t)
	key, _ := cachekey.For("https://example.com/x", "")

	defer func() {
		if r := recover(); r == nil {
			t.Error("expected Store to panic for a non-200 status")
		}
	}()

	_ = store.Store(key, http.StatusNotFound, http.Header{}, nil)
}

func TestClearAllRemovesEverything(t *testing.T) {
	store := newTestStore(t)

	for _, p := range []string{"https://example.com/a", "https://example.com/b", "https://other.com/c"} {
		key, err := cachekey.For(p, "")
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if err := store.Store(key, http.StatusOK, http.Header{}, []byte("x")); err != nil {
			t.Fatalf("Store failed: %s", err)
		}
	}

	deleted, errs := store.ClearAll()
	if len(errs) != 0 {
		t.Errorf("unexpected errors: %v", errs)
	}
	if deleted != 6 { // 3 bodies + 3 sidecars
		t.Errorf("deleted = %d, want 6", deleted)
	}

	entries, err := os.ReadDir(store.root)
	if err != nil {
		t.Fatalf("failed to read cache root: %s", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected cache root to be empty, found %d entries", len(entries))
	}
}

func TestIsCached(t *testing.T) {
	store := newTestStore(t)
	key, err := cachekey.For("https://example.com/page", "")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if store.IsCached(key) {
		t.Error("expected IsCached to be false before storing")
	}

	if err := store.Store(key, http.StatusOK, http.Header{}, []byte("x")); err != nil {
		t.Fatalf("Store failed: %s", err)
	}

	if !store.IsCached(key) {
		t.Error("expected IsCached to be true after storing")
	}
}

func TestSweepRepairsCorruptEntries(t *testing.T) {
	store := newTestStore(t)

	key, err := cachekey.For("https://example.com/sweep", "")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := store.Store(key, http.StatusOK, http.Header{}, []byte("x")); err != nil {
		t.Fatalf("Store failed: %s", err)
	}

	if err := os.Remove(store.abs(key.BodyPath)); err != nil {
		t.Fatalf("failed to remove body: %s", err)
	}

	checked, repaired := store.Sweep(10)
	if checked != 1 {
		t.Errorf("checked = %d, want 1", checked)
	}
	if repaired != 1 {
		t.Errorf("repaired = %d, want 1", repaired)
	}
	if _, err := os.Stat(store.abs(key.SidecarPath)); !os.IsNotExist(err) {
		t.Error("expected the corrupt sidecar to be removed by sweep")
	}
}

func TestHotCacheServesWithoutDiskRead(t *testing.T) {
	dir := t.TempDir()
	store := New(dir, 1<<20, nil)

	key, err := cachekey.For("https://example.com/hot", "")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := store.Store(key, http.StatusOK, http.Header{}, []byte("cached body")); err != nil {
		t.Fatalf("Store failed: %s", err)
	}

	// Remove the on-disk files directly; the hot cache should still serve.
	if err := os.RemoveAll(filepath.Dir(store.abs(key.BodyPath))); err != nil {
		t.Fatalf("failed to remove cache dir: %s", err)
	}

	entry, ok := store.Lookup(key)
	if !ok {
		t.Fatal("expected the hot cache to serve the entry despite the disk files being gone")
	}
	if string(entry.Body) != "cached body" {
		t.Errorf("body = %q", entry.Body)
	}
}
