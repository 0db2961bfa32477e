package proxyserver

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/nojaja/cachingedgeproxy/internal/httpmsg"
)

// relayResult reports the outcome of a streamed origin relay.
type relayResult struct {
	status  int
	headers http.Header
	tee     *bytes.Buffer // nil when tee was not requested
	err     error
}

// forwardRelay dials host:port (optionally over TLS, for the https
// absolute-form fallthrough path), writes req exactly as received except
// for Host being rewritten to the bare origin host, and streams the
// origin's response straight to conn. When tee is true, the response
// body is also copied into an in-memory buffer for the caller to decide
// whether to cache.
//
// This is the generic forwarding primitive behind the absolute-form
// handler's non-cacheable fallthrough and all of the relative-form
// handler.
func forwardRelay(conn net.Conn, req *http.Request, host, port string, useTLS, tee bool, extraHeaders http.Header) relayResult {
	addr := net.JoinHostPort(host, port)

	dialer := &net.Dialer{Timeout: originIdleTimeout}

	var originConn net.Conn
	var err error
	if useTLS {
		originConn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // origin TLS verification is intentionally disabled
			ServerName:         host,
		})
	} else {
		originConn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return relayResult{err: fmt.Errorf("upstream unreachable: %w", err)}
	}
	defer originConn.Close()

	_ = originConn.SetDeadline(time.Now().Add(originIdleTimeout))

	req.Host = host
	req.Header.Set("Host", host)
	if err := req.Write(originConn); err != nil {
		return relayResult{err: fmt.Errorf("upstream unreachable: write request: %w", err)}
	}

	originReader := bufio.NewReader(originConn)
	resp, err := http.ReadResponse(originReader, req)
	if err != nil {
		return relayResult{err: fmt.Errorf("upstream protocol: %w", err)}
	}
	defer resp.Body.Close()

	outHeader := cacheMissPassthroughHeaders(resp.Header)
	for name, values := range extraHeaders {
		outHeader[name] = values
	}

	clientWriter := bufio.NewWriter(conn)
	if err := writeStreamedHeader(clientWriter, resp.StatusCode, resp.Status, outHeader); err != nil {
		return relayResult{err: err}
	}

	var teeBuf *bytes.Buffer
	var dst io.Writer = clientWriter
	if tee {
		teeBuf = &bytes.Buffer{}
		dst = io.MultiWriter(clientWriter, teeBuf)
	}

	if _, err := io.Copy(dst, resp.Body); err != nil {
		return relayResult{status: resp.StatusCode, headers: resp.Header, tee: teeBuf, err: fmt.Errorf("streaming relay: %w", err)}
	}
	if err := clientWriter.Flush(); err != nil {
		return relayResult{status: resp.StatusCode, headers: resp.Header, tee: teeBuf, err: err}
	}

	return relayResult{status: resp.StatusCode, headers: resp.Header, tee: teeBuf}
}

// cacheMissPassthroughHeaders strips hop-by-hop headers from an origin
// response relayed by forwardRelay. It adds no X-Cache header itself;
// the relative-form cache miss supplies one through extraHeaders.
func cacheMissPassthroughHeaders(h http.Header) http.Header {
	return httpmsg.Clone(h)
}
