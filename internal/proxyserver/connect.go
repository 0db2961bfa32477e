package proxyserver

import (
	"io"
	"net"
	"net/http"

	"github.com/nojaja/cachingedgeproxy/internal/cachekey"
)

// handleConnect parses the CONNECT target, and either hands off to the
// MITM terminator (whitelisted) or splices an opaque tunnel (everything
// else).
func (s *Server) handleConnect(conn net.Conn, req *http.Request) {
	host, port := hostAndPort(req.Host, "443")

	if !s.opts.Whitelist.Eligible(host) {
		s.opts.Stats.IncHTTPSConnection()
		if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
			return
		}
		s.tunnelOpaque(conn, host, port)
		return
	}

	if s.opts.PrefetchOnConnect {
		go s.prefetchRoot(host)
	}

	s.opts.Stats.IncHTTPSConnection()
	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}
	s.terminateMITM(conn, host, port)
}

// tunnelOpaque splices conn with a fresh TCP connection to host:port with
// no inspection, for non-whitelisted CONNECT targets.
func (s *Server) tunnelOpaque(clientConn net.Conn, host, port string) {
	originConn, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), originIdleTimeout)
	if err != nil {
		s.opts.Logger.WithError(err).WithField("host", host).Warning("connect: opaque tunnel dial failed")
		return
	}
	defer originConn.Close()

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(originConn, clientConn)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(clientConn, originConn)
		done <- struct{}{}
	}()
	<-done
}

// prefetchRoot performs a best-effort prefetch of https://host/ through
// the same serve-or-fetch-and-cache logic the absolute-form handler
// uses, gated behind Options.PrefetchOnConnect (off by default). Errors
// are logged at Debug and never propagated: this is a warm-the-cache
// side effect, not something any caller waits on.
func (s *Server) prefetchRoot(host string) {
	key, err := cachekey.For("https://"+host+"/", host)
	if err != nil {
		return
	}
	if s.opts.Store.IsCached(key) {
		return
	}

	status, headers, body, err := FetchHTTPSDirect(host, "443", "/")
	if err != nil {
		s.opts.Logger.WithError(err).WithField("host", host).Debug("connect: prefetch failed")
		return
	}
	if status == http.StatusOK {
		if err := s.opts.Store.Store(key, status, headers, body); err != nil {
			s.opts.Logger.WithError(err).Debug("connect: prefetch store failed")
		}
	}
}
