package proxyserver

import (
	"bufio"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/nojaja/cachingedgeproxy/internal/cachekey"
	"github.com/nojaja/cachingedgeproxy/internal/httpmsg"
)

// terminateMITM runs TLS directly over the client socket (clientConn,
// already past the CONNECT 200 reply) using a CA-signed leaf for host.
// One request is served per CONNECT; the connection closes afterward.
func (s *Server) terminateMITM(clientConn net.Conn, host, connectPort string) {
	tlsConfig, err := s.opts.Certs.ServerConfig(host)
	if err != nil {
		s.opts.Logger.WithError(err).WithField("host", host).Error("mitm: tls interception failure")
		writeSimpleResponse(clientConn, http.StatusInternalServerError, "Connection Error")
		return
	}

	tlsConn := tls.Server(clientConn, tlsConfig)
	defer tlsConn.Close()

	_ = tlsConn.SetDeadline(time.Now().Add(requestOverallTimeout))
	if err := tlsConn.Handshake(); err != nil {
		s.opts.Logger.WithError(err).WithField("host", host).Warning("mitm: tls handshake failed")
		return
	}

	reader := bufio.NewReader(tlsConn)
	req, err := http.ReadRequest(reader)
	if err != nil {
		return
	}

	reqHost := req.Host
	if reqHost == "" {
		reqHost = host
	}
	bareHost, _ := hostAndPort(reqHost, "")
	req.URL.Scheme = "https"
	req.URL.Host = reqHost

	s.opts.Stats.IncHTTPSRequest()

	eligible := req.Method == http.MethodGet && s.opts.Whitelist.Eligible(bareHost)

	var key cachekey.Key
	if eligible {
		fullURL := "https://" + reqHost + req.URL.RequestURI()
		key, err = cachekey.For(fullURL, reqHost)
		if err != nil {
			eligible = false
		}
	}

	if eligible {
		if entry, ok := s.opts.Store.Lookup(key); ok {
			s.opts.Stats.IncHTTPSCacheHit()
			header := cacheHitHeaders(entry.Headers, false)
			if err := writeFullResponse(tlsConn, entry.StatusCode, header, entry.Body); err != nil {
				s.opts.Logger.WithError(err).Warning("mitm: write cache hit failed")
			}
			return
		}
	}

	s.mitmOriginFetch(tlsConn, req, bareHost, connectPort, eligible, key)
}

// mitmOriginFetch dials a fresh TLS client to the real origin, replays
// the parsed request, and relays the buffered response to the client,
// storing it when it is a 200 on an eligible GET.
func (s *Server) mitmOriginFetch(tlsConn *tls.Conn, req *http.Request, host, port string, eligible bool, key cachekey.Key) {
	dialer := &net.Dialer{Timeout: originIdleTimeout}
	originConn, err := tls.DialWithDialer(dialer, "tcp", net.JoinHostPort(host, port), &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // origin TLS verification intentionally disabled
		ServerName:         host,
	})
	if err != nil {
		s.opts.Logger.WithError(err).WithField("host", host).Warning("mitm: origin dial failed")
		writeSimpleResponse(tlsConn, http.StatusBadGateway, "Bad Gateway")
		return
	}
	defer originConn.Close()
	_ = originConn.SetDeadline(time.Now().Add(originIdleTimeout))

	httpmsg.StripHopByHop(req.Header)
	req.Host = host
	req.Header.Set("Host", host)

	if err := req.Write(originConn); err != nil {
		s.opts.Logger.WithError(err).WithField("host", host).Warning("mitm: write to origin failed")
		writeSimpleResponse(tlsConn, http.StatusBadGateway, "Bad Gateway")
		return
	}

	resp, err := http.ReadResponse(bufio.NewReader(originConn), req)
	if err != nil {
		s.opts.Logger.WithError(err).WithField("host", host).Warning("mitm: origin response unparsable")
		writeSimpleResponse(tlsConn, http.StatusBadGateway, "Bad Gateway")
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		s.opts.Logger.WithError(err).WithField("host", host).Warning("mitm: origin body read failed")
		writeSimpleResponse(tlsConn, http.StatusBadGateway, "Bad Gateway")
		return
	}

	s.opts.Stats.IncHTTPSCacheMiss()

	header := cacheMissHeaders(resp.Header, false)
	if err := writeFullResponse(tlsConn, resp.StatusCode, header, body); err != nil {
		s.opts.Logger.WithError(err).Warning("mitm: write origin response failed")
		return
	}

	if eligible && resp.StatusCode == http.StatusOK {
		if err := s.opts.Store.Store(key, http.StatusOK, resp.Header, body); err != nil {
			s.opts.Logger.WithError(err).Warning("mitm: cache store failed")
		} else {
			s.opts.Stats.IncHTTPSCacheSave()
		}
	}
}
