// Package cachestore implements the two-part, content-addressed on-disk
// cache: a JSON sidecar holding response metadata and a raw body file.
//
// The write path follows a write-then-make-available shape: the body is
// written and synced before the sidecar that points at it, so a reader
// never observes a sidecar referencing an incomplete body. There is no
// pluggable cache layer and no expiry or revalidation concept; entries
// are either present and valid, or absent.
package cachestore

import (
	"encoding/json"
	"io/fs"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nojaja/cachingedgeproxy/internal/cachekey"
)

// Entry is a fully materialized cache hit: the stored response plus the
// normalized URL it was stored under.
type Entry struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// sidecarDocument is the on-disk JSON shape of the ".cache" sidecar file.
type sidecarDocument struct {
	URL        string      `json:"url"`
	StatusCode int         `json:"statusCode"`
	Headers    http.Header `json:"headers"`
	Href       string      `json:"href"`
}

// Store is the on-disk, content-addressed cache. All methods are safe
// for concurrent use. A Store also keeps a small bounded in-memory
// front cache (see hotcache.go) to avoid re-reading popular bodies from
// disk; entries are only evicted for capacity, never for staleness,
// since that concept does not exist in this cache.
type Store struct {
	root   string
	logger *logrus.Logger

	// writeLocks serializes concurrent store() calls for the same key so
	// a reader never observes a sidecar pointing at a partially written
	// body.
	writeLocks sync.Map // digest -> *sync.Mutex

	hot *hotCache
}

// New creates a Store rooted at root. root is created on first write if
// it does not already exist. hotCacheBytes bounds the optional in-memory
// front cache; pass 0 to disable it.
func New(root string, hotCacheBytes int, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.New()
	}
	return &Store{
		root:   root,
		logger: logger,
		hot:    newHotCache(hotCacheBytes),
	}
}

func (s *Store) abs(relPath string) string {
	return filepath.Join(s.root, filepath.FromSlash(relPath))
}

// Lookup reads and validates the cache entry for key. Any failure
// (missing file, malformed JSON, a missing required field, or a missing
// body) causes both files to be removed (cache repair) and a "not
// found" result to be returned; lookup never returns an error to its
// caller.
func (s *Store) Lookup(key cachekey.Key) (*Entry, bool) {
	if entry, ok := s.hot.get(key.Digest); ok {
		return entry, true
	}

	sidecarPath := s.abs(key.SidecarPath)

	raw, err := os.ReadFile(sidecarPath)
	if err != nil {
		if os.IsNotExist(err) {
			// A body left without its sidecar is residue. Check again under
			// the key's write lock so a Store that has written the body but
			// not yet the sidecar is not undone.
			lockIface, _ := s.writeLocks.LoadOrStore(key.Digest, &sync.Mutex{})
			lock := lockIface.(*sync.Mutex)
			lock.Lock()
			if _, statErr := os.Stat(sidecarPath); os.IsNotExist(statErr) {
				s.repair(key)
			}
			lock.Unlock()
		}
		return nil, false
	}

	var doc sidecarDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.logger.WithError(err).WithField("sidecar", sidecarPath).Warning("cache: malformed sidecar, repairing")
		s.repair(key)
		return nil, false
	}

	if doc.URL == "" || doc.StatusCode == 0 || doc.Headers == nil || doc.Href == "" {
		s.logger.WithField("sidecar", sidecarPath).Warning("cache: sidecar missing required fields, repairing")
		s.repair(key)
		return nil, false
	}

	bodyPath := filepath.Join(filepath.Dir(sidecarPath), filepath.Base(doc.Href))
	body, err := os.ReadFile(bodyPath)
	if err != nil {
		s.logger.WithError(err).WithField("body", bodyPath).Warning("cache: missing body, repairing")
		s.repair(key)
		return nil, false
	}

	entry := &Entry{
		URL:        doc.URL,
		StatusCode: doc.StatusCode,
		Headers:    doc.Headers,
		Body:       body,
	}

	s.hot.set(key.Digest, entry)

	return entry, true
}

// IsCached reports whether key is held by the in-memory front cache or
// has a sidecar on disk, without validating or reading the body.
func (s *Store) IsCached(key cachekey.Key) bool {
	if _, ok := s.hot.get(key.Digest); ok {
		return true
	}
	_, err := os.Stat(s.abs(key.SidecarPath))
	return err == nil
}

// Store writes a new cache entry for key. status must be 200; any other
// status is a programmer error and Store panics, since non-200
// responses must never be stored (callers should gate on this before
// calling Store).
//
// Both the body and sidecar are written via a temp-file-then-rename
// sequence, body first, so a reader that observes the sidecar is
// guaranteed to see the complete body.
func (s *Store) Store(key cachekey.Key, status int, headers http.Header, body []byte) error {
	if status != http.StatusOK {
		panic("cachestore: Store called with non-200 status")
	}

	lockIface, _ := s.writeLocks.LoadOrStore(key.Digest, &sync.Mutex{})
	lock := lockIface.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	bodyPath := s.abs(key.BodyPath)
	sidecarPath := s.abs(key.SidecarPath)

	if err := os.MkdirAll(filepath.Dir(bodyPath), 0o755); err != nil {
		return err
	}

	if err := atomicWrite(bodyPath, body); err != nil {
		return err
	}

	doc := sidecarDocument{
		URL:        key.NormalizedURL,
		StatusCode: status,
		Headers:    headers,
		Href:       filepath.Base(bodyPath),
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		_ = os.Remove(bodyPath)
		return err
	}

	if err := atomicWrite(sidecarPath, raw); err != nil {
		_ = os.Remove(bodyPath)
		return err
	}

	s.hot.set(key.Digest, &Entry{
		URL:        doc.URL,
		StatusCode: status,
		Headers:    headers,
		Body:       body,
	})

	return nil
}

// repair deletes both files of a corrupted cache entry. Errors are
// logged but never returned; repair is best-effort and never surfaced
// to the caller.
func (s *Store) repair(key cachekey.Key) {
	s.hot.delete(key.Digest)

	if err := os.Remove(s.abs(key.BodyPath)); err != nil && !os.IsNotExist(err) {
		s.logger.WithError(err).Warning("cache: failed to remove body during repair")
	}
	if err := os.Remove(s.abs(key.SidecarPath)); err != nil && !os.IsNotExist(err) {
		s.logger.WithError(err).Warning("cache: failed to remove sidecar during repair")
	}
}

// ClearAll recursively removes every file under the cache root and every
// directory that becomes empty as a result. It never returns an error to
// the caller; instead it reports how many files were deleted and
// collects any removal errors it encountered along the way.
func (s *Store) ClearAll() (deleted int, errs []error) {
	s.hot.clear()

	var dirs []string

	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			errs = append(errs, walkErr)
			return nil
		}
		if p == s.root {
			return nil
		}
		if d.IsDir() {
			dirs = append(dirs, p)
			return nil
		}
		if err := os.Remove(p); err != nil {
			errs = append(errs, err)
			return nil
		}
		deleted++
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}

	// Remove directories deepest-first so parents become empty in order.
	for i := len(dirs) - 1; i >= 0; i-- {
		_ = os.Remove(dirs[i]) // ignore error: non-empty dirs are left alone
	}

	return deleted, errs
}

// Sweep samples up to maxFiles sidecars under the cache root (or all of
// them, if there are fewer than maxFiles) and validates each one via
// Lookup, repairing any that fail. It is intended to be run periodically
// as a maintenance task.
func (s *Store) Sweep(maxFiles int) (checked, repaired int) {
	var sidecars []string

	_ = filepath.WalkDir(s.root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() {
			return nil
		}
		if filepath.Ext(p) == ".cache" {
			sidecars = append(sidecars, p)
		}
		return nil
	})

	if len(sidecars) > maxFiles {
		rand.Shuffle(len(sidecars), func(i, j int) {
			sidecars[i], sidecars[j] = sidecars[j], sidecars[i]
		})
		sidecars = sidecars[:maxFiles]
	}

	for _, sidecarPath := range sidecars {
		rel, err := filepath.Rel(s.root, sidecarPath)
		if err != nil {
			continue
		}
		bodyRel := filepath.ToSlash(rel[:len(rel)-len(".cache")])
		key := cachekey.Key{
			Digest:      digestFromBodyPath(bodyRel),
			BodyPath:    bodyRel,
			SidecarPath: bodyRel + ".cache",
		}

		checked++
		s.hot.delete(key.Digest)
		if _, ok := s.Lookup(key); !ok {
			repaired++
		}
	}

	return checked, repaired
}

// digestHex matches the 32 lowercase hex characters pathsFor embeds in
// every body filename ("stem-digest.ext"), letting Sweep recover the
// digest for a key it only knows by path, without re-reading the
// sidecar to learn the URL it was stored under.
var digestHex = regexp.MustCompile(`[0-9a-f]{32}`)

// digestFromBodyPath extracts the embedded MD5 digest from a body path's
// filename, so a Key reconstructed from disk still hits the hot cache
// under the same key a normal Lookup would use. Returns "" if no digest
// pattern is found, which simply disables the hot cache for that entry.
func digestFromBodyPath(bodyPath string) string {
	return digestHex.FindString(filepath.Base(bodyPath))
}

// atomicWrite writes data to path via a temp file in the same directory,
// fsyncs it, then renames it into place, so a reader never observes a
// partially written file.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}

	return nil
}
