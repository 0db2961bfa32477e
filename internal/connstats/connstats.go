// Package connstats tracks every live proxy socket (for graceful shutdown
// drain) and the monotonically increasing request/cache counters
// published by the admin stats endpoint.
//
// Counters are a single flat record, each field independently readable,
// made concurrency-safe with sync/atomic rather than a single guarding
// mutex.
package connstats

import (
	"net"
	"sync"
	"sync/atomic"
)

// HTTPCounters holds the plain-HTTP request counters.
type HTTPCounters struct {
	Requests    uint64
	CacheHits   uint64
	CacheMisses uint64
}

// HTTPSCounters holds the HTTPS/CONNECT counters.
type HTTPSCounters struct {
	Connections uint64
	Requests    uint64
	CacheHits   uint64
	CacheMisses uint64
	CacheSaves  uint64
}

// Snapshot is a copy of all counters, each read atomically on its own,
// plus the current registry cardinality.
type Snapshot struct {
	HTTP           HTTPCounters
	HTTPS          HTTPSCounters
	LiveConnections int
}

// Registry tracks every live proxy socket and the request/cache
// counters. The zero value is not usable; construct with New.
type Registry struct {
	httpRequests    uint64
	httpHits        uint64
	httpMisses      uint64
	httpsConns      uint64
	httpsRequests   uint64
	httpsHits       uint64
	httpsMisses     uint64
	httpsSaves      uint64

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		conns: make(map[net.Conn]struct{}),
	}
}

// Track registers conn as live and returns a function the caller MUST
// invoke exactly once when the connection closes (e.g. via defer) to
// remove it again.
func (r *Registry) Track(conn net.Conn) (untrack func()) {
	r.mu.Lock()
	r.conns[conn] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.conns, conn)
			r.mu.Unlock()
		})
	}
}

// Live returns every currently tracked connection. It is only intended
// to be called by the shutdown drain; it never blocks other mutators
// for longer than copying the map keys.
func (r *Registry) Live() []net.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]net.Conn, 0, len(r.conns))
	for c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Count returns the current number of live connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// IncHTTPRequest increments the http.requests counter.
func (r *Registry) IncHTTPRequest() { atomic.AddUint64(&r.httpRequests, 1) }

// IncHTTPCacheHit increments the http.cacheHits counter.
func (r *Registry) IncHTTPCacheHit() { atomic.AddUint64(&r.httpHits, 1) }

// IncHTTPCacheMiss increments the http.cacheMisses counter.
func (r *Registry) IncHTTPCacheMiss() { atomic.AddUint64(&r.httpMisses, 1) }

// IncHTTPSConnection increments the https.connections counter.
func (r *Registry) IncHTTPSConnection() { atomic.AddUint64(&r.httpsConns, 1) }

// IncHTTPSRequest increments the https.requests counter.
func (r *Registry) IncHTTPSRequest() { atomic.AddUint64(&r.httpsRequests, 1) }

// IncHTTPSCacheHit increments the https.cacheHits counter.
func (r *Registry) IncHTTPSCacheHit() { atomic.AddUint64(&r.httpsHits, 1) }

// IncHTTPSCacheMiss increments the https.cacheMisses counter.
func (r *Registry) IncHTTPSCacheMiss() { atomic.AddUint64(&r.httpsMisses, 1) }

// IncHTTPSCacheSave increments the https.cacheSaves counter.
func (r *Registry) IncHTTPSCacheSave() { atomic.AddUint64(&r.httpsSaves, 1) }

// Snapshot reads every counter independently and returns a point-in-time
// copy; slight skew between fields is acceptable since the consumer
// (the /proxy-stats admin endpoint) is advisory.
func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		HTTP: HTTPCounters{
			Requests:    atomic.LoadUint64(&r.httpRequests),
			CacheHits:   atomic.LoadUint64(&r.httpHits),
			CacheMisses: atomic.LoadUint64(&r.httpMisses),
		},
		HTTPS: HTTPSCounters{
			Connections: atomic.LoadUint64(&r.httpsConns),
			Requests:    atomic.LoadUint64(&r.httpsRequests),
			CacheHits:   atomic.LoadUint64(&r.httpsHits),
			CacheMisses: atomic.LoadUint64(&r.httpsMisses),
			CacheSaves:  atomic.LoadUint64(&r.httpsSaves),
		},
		LiveConnections: r.Count(),
	}
}
