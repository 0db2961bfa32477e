// Package httpmsg holds small HTTP/1.1 message-shaping helpers shared by
// every proxying path: hop-by-hop header stripping and the response
// headers added to cacheable exchanges.
//
// The hop-by-hop header list matches net/http/httputil/reverseproxy.go,
// since it's standard regardless of domain.
package httpmsg

import (
	"net/http"
	"strings"
)

// HopByHopHeaders are removed before forwarding a request or response in
// either direction, per RFC 7230 §6.1. They are never relayed across the
// proxy boundary. The cache sidecar stores the origin's headers as
// received; they are stripped when a cached entry is served.
var HopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// RemoveConnectionHeaders deletes whatever headers are named in h's
// "Connection" header field, per RFC 7230 §6.1.
func RemoveConnectionHeaders(h http.Header) {
	for _, f := range h["Connection"] {
		for _, sf := range strings.Split(f, ",") {
			if sf = strings.TrimSpace(sf); sf != "" {
				h.Del(sf)
			}
		}
	}
}

// StripHopByHop removes the connection-scoped headers named in
// RemoveConnectionHeaders plus every header in HopByHopHeaders. Used
// before relaying headers across the proxy boundary in either direction,
// including when a cached entry is served.
func StripHopByHop(h http.Header) {
	RemoveConnectionHeaders(h)
	for _, name := range HopByHopHeaders {
		h.Del(name)
	}
}

// Clone returns a deep copy of h with hop-by-hop headers already
// stripped, leaving the original header set untouched.
func Clone(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = http.Header{}
	}
	StripHopByHop(out)
	return out
}

// XCache values added to responses served on a cacheable path.
const (
	XCacheHit  = "HIT"
	XCacheMiss = "MISS"
)

// Header names the core adds to responses it originates or mediates.
const (
	HeaderXCache       = "X-Cache"
	HeaderXCacheSource = "X-Cache-Source"
	HeaderXProxy       = "X-Proxy"
)

// ProxyName is the value of the X-Proxy header added to every response
// emitted on the cacheable absolute-form GET path (https, whitelisted).
const ProxyName = "Node-Proxy/1.0"

// CacheSource values for HeaderXCacheSource.
const (
	CacheSourceCache  = "cache"
	CacheSourceDirect = "direct"
)
