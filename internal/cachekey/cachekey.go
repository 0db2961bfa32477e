// Package cachekey derives a content-addressed cache key and its on-disk
// paths from a proxied request URL.
package cachekey

import (
	"crypto/md5" //nolint:gosec // chosen for on-disk layout compatibility, not as a security primitive
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// ErrBadRequest is returned for any URL this package cannot safely turn
// into a cache key: missing scheme/host, an unsupported scheme, or a
// path that attempts to escape the cache root via "..".
var ErrBadRequest = errors.New("cachekey: bad request")

// Key is the content-addressed fingerprint of a single cacheable request.
type Key struct {
	// Digest is the lowercase hex MD5 of the normalized URL.
	Digest string

	// NormalizedURL is "scheme://host/path?query" with the fragment
	// dropped, used both to compute Digest and to store in the sidecar.
	NormalizedURL string

	// BodyPath is the on-disk location of the cached response body,
	// relative to the cache root.
	BodyPath string

	// SidecarPath is BodyPath with ".cache" appended.
	SidecarPath string
}

// For derives a Key for the given request URL. rawURL may be an
// absolute-form URL ("http://host/path") or a path-only URL, in which
// case hostHint (typically the request's Host header) supplies the host.
// Absolute-form always takes precedence over hostHint.
//
// For rejects URLs with no resolvable scheme+host, with a scheme other
// than http/https, or whose path contains a ".." component (to prevent
// escape of the cache root).
func For(rawURL, hostHint string) (Key, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %s", ErrBadRequest, err)
	}

	scheme := u.Scheme
	host := u.Host
	if host == "" {
		host = hostHint
	}
	if scheme == "" {
		scheme = "http"
	}

	if host == "" {
		return Key{}, fmt.Errorf("%w: no host", ErrBadRequest)
	}
	if scheme != "http" && scheme != "https" {
		return Key{}, fmt.Errorf("%w: unsupported scheme %q", ErrBadRequest, scheme)
	}

	reqPath := u.Path
	if reqPath == "" {
		reqPath = "/"
	}

	if containsDotDot(reqPath) {
		return Key{}, fmt.Errorf("%w: path traversal in %q", ErrBadRequest, reqPath)
	}

	normalized := &url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     reqPath,
		RawQuery: u.RawQuery,
	}
	normalizedURL := normalized.String()

	sum := md5.Sum([]byte(normalizedURL)) //nolint:gosec
	digest := hex.EncodeToString(sum[:])

	bodyPath, sidecarPath := pathsFor(host, reqPath, digest)

	return Key{
		Digest:        digest,
		NormalizedURL: normalizedURL,
		BodyPath:      bodyPath,
		SidecarPath:   sidecarPath,
	}, nil
}

// pathsFor computes the body and sidecar paths for a host/path/digest
// triple.
func pathsFor(host, reqPath, digest string) (bodyPath, sidecarPath string) {
	dir := path.Dir(reqPath)
	base := path.Base(reqPath)
	if base == "" || base == "." || base == "/" {
		base = "index.html"
	}

	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	fileName := fmt.Sprintf("%s-%s%s", stem, digest, ext)

	bodyPath = path.Join(host, dir, fileName)
	sidecarPath = bodyPath + ".cache"

	return bodyPath, sidecarPath
}

// containsDotDot reports whether any "/"-separated component of p is "..".
func containsDotDot(p string) bool {
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return true
		}
	}
	return false
}
