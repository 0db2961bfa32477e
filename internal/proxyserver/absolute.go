package proxyserver

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/nojaja/cachingedgeproxy/internal/cachekey"
)

// absoluteUserAgent is the fixed User-Agent sent on the absolute-form
// origin fetch.
const absoluteUserAgent = "Mozilla/5.0 ProxyAgent/1.0"

// handleAbsolute serves or fetches-and-caches a fully-qualified https://
// GET against a whitelisted host; everything else on this path falls
// through to the same plain forwarding the relative-form handler uses,
// with no disk cache involved.
func (s *Server) handleAbsolute(conn net.Conn, req *http.Request) {
	host := req.URL.Hostname()
	port := req.URL.Port()

	cacheable := req.Method == http.MethodGet &&
		req.URL.Scheme == "https" &&
		s.opts.Whitelist.Eligible(host)

	if !cacheable {
		if port == "" {
			if req.URL.Scheme == "https" {
				port = "443"
			} else {
				port = "80"
			}
		}
		res := forwardRelay(conn, req, host, port, req.URL.Scheme == "https", false, nil)
		if res.err != nil {
			s.opts.Logger.WithError(res.err).WithField("host", host).Warning("absolute-form passthrough failed")
		}
		return
	}

	if port == "" {
		port = "443"
	}

	key, err := cachekey.For(req.URL.String(), req.Host)
	if err != nil {
		writeSimpleResponse(conn, http.StatusBadRequest, "bad request: "+err.Error())
		return
	}

	if entry, ok := s.opts.Store.Lookup(key); ok {
		s.opts.Stats.IncHTTPSCacheHit()
		header := cacheHitHeaders(entry.Headers, true)
		if err := writeFullResponse(conn, entry.StatusCode, header, entry.Body); err != nil {
			s.opts.Logger.WithError(err).Warning("absolute-form: write cache hit failed")
		}
		return
	}

	s.opts.Stats.IncHTTPSCacheMiss()

	status, headers, body, err := FetchHTTPSDirect(host, port, req.URL.RequestURI())
	if err != nil {
		s.opts.Logger.WithError(err).WithField("host", host).Warning("absolute-form: origin fetch failed")
		writeErrorStatus(conn, err)
		return
	}

	if status == http.StatusOK {
		if err := s.opts.Store.Store(key, status, headers, body); err != nil {
			s.opts.Logger.WithError(err).Warning("absolute-form: cache store failed")
		} else {
			s.opts.Stats.IncHTTPSCacheSave()
		}
	}

	header := cacheMissHeaders(headers, true)
	if err := writeFullResponse(conn, status, header, body); err != nil {
		s.opts.Logger.WithError(err).Warning("absolute-form: write cache miss failed")
	}
}

// FetchHTTPSDirect opens its own TLS client to host:port (origin
// verification disabled) and issues a single fixed-header GET,
// buffering the full response.
func FetchHTTPSDirect(host, port, requestURI string) (status int, headers http.Header, body []byte, err error) {
	dialer := &net.Dialer{Timeout: originIdleTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", net.JoinHostPort(host, port), &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // origin TLS verification intentionally disabled
		ServerName:         host,
	})
	if err != nil {
		return 0, nil, nil, fmt.Errorf("upstream unreachable: %w", err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))

	raw := fmt.Sprintf(
		"GET %s HTTP/1.1\r\nHost: %s\r\nUser-Agent: %s\r\nAccept: */*\r\nAccept-Encoding: identity\r\nConnection: close\r\n\r\n",
		requestURI, host, absoluteUserAgent,
	)
	if _, err := io.WriteString(conn, raw); err != nil {
		return 0, nil, nil, fmt.Errorf("upstream unreachable: write request: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("upstream protocol: %w", err)
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("upstream protocol: read body: %w", err)
	}

	return resp.StatusCode, resp.Header, buf, nil
}
