package proxyserver

import (
	"net"
	"net/http"

	"github.com/nojaja/cachingedgeproxy/internal/cachekey"
	"github.com/nojaja/cachingedgeproxy/internal/httpmsg"
)

// handleRelative implements traditional origin-form proxying. Host
// comes from the Host header; a bare, whitelisted host is served
// from/written to the cache, everything else is a plain relay with no
// X-Cache header and no disk I/O.
func (s *Server) handleRelative(conn net.Conn, req *http.Request) {
	host, port := hostAndPort(req.Host, "80")

	s.opts.Stats.IncHTTPRequest()

	if !s.opts.Whitelist.Eligible(host) {
		res := forwardRelay(conn, req, host, port, false, false, nil)
		if res.err != nil {
			s.opts.Logger.WithError(res.err).WithField("host", host).Warning("relative-form passthrough failed")
		}
		return
	}

	key, err := cachekey.For(req.URL.String(), req.Host)
	if err != nil {
		writeSimpleResponse(conn, http.StatusBadRequest, "bad request: "+err.Error())
		return
	}

	if entry, ok := s.opts.Store.Lookup(key); ok {
		s.opts.Stats.IncHTTPCacheHit()
		header := cacheHitHeaders(entry.Headers, false)
		if err := writeFullResponse(conn, entry.StatusCode, header, entry.Body); err != nil {
			s.opts.Logger.WithError(err).Warning("relative-form: write cache hit failed")
		}
		return
	}

	s.opts.Stats.IncHTTPCacheMiss()

	res := forwardRelay(conn, req, host, port, false, true, http.Header{httpmsg.HeaderXCache: []string{httpmsg.XCacheMiss}})
	if res.err != nil {
		s.opts.Logger.WithError(res.err).WithField("host", host).Warning("relative-form: origin fetch failed")
		return
	}

	if res.status == http.StatusOK && res.tee != nil {
		if err := s.opts.Store.Store(key, res.status, res.headers, res.tee.Bytes()); err != nil {
			s.opts.Logger.WithError(err).Warning("relative-form: cache store failed")
		}
	}
}
