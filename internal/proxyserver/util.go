package proxyserver

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/nojaja/cachingedgeproxy/internal/httpmsg"
)

// newBodyReader wraps a string as an io.ReadCloser, for the handful of
// short synthetic responses (400/500/502/504) this package writes
// directly.
func newBodyReader(s string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(s))
}

// writeFullResponse writes a complete, fully-buffered HTTP/1.1 response
// to conn: status line, header (with Content-Length forced to len(body)
// and Connection: close forced), a blank line, then body. It is used by
// every cache-hit and buffered-cache-miss path, and the admin hook,
// where the whole body is already in memory.
func writeFullResponse(conn net.Conn, status int, header http.Header, body []byte) error {
	w := bufio.NewWriter(conn)

	if _, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status)); err != nil {
		return err
	}

	header = header.Clone()
	header.Set("Content-Length", strconv.Itoa(len(body)))
	header.Set("Connection", "close")

	if err := writeHeaderLines(w, header); err != nil {
		return err
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return w.Flush()
}

// writeStreamedHeader writes a status line and header block to conn
// without a Content-Length, leaving the body close-delimited (framed by
// the connection closing, since every exchange is non-keep-alive). Used
// by forwardRelay (the relative-form forward and the absolute-form
// passthrough), where the origin's response length is not known up front.
func writeStreamedHeader(w *bufio.Writer, status int, statusText string, header http.Header) error {
	if statusText == "" {
		statusText = http.StatusText(status)
	}
	if _, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", status, statusText); err != nil {
		return err
	}

	header = header.Clone()
	header.Del("Content-Length")
	header.Set("Connection", "close")

	if err := writeHeaderLines(w, header); err != nil {
		return err
	}
	_, err := w.WriteString("\r\n")
	return err
}

func writeHeaderLines(w *bufio.Writer, header http.Header) error {
	for name, values := range header {
		for _, v := range values {
			if _, err := fmt.Fprintf(w, "%s: %s\r\n", name, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// cacheHitHeaders builds the response header set for a cache hit on the
// absolute-form, relative-form and MITM paths: the stored headers,
// hop-by-hop stripped, plus X-Cache: HIT.
func cacheHitHeaders(stored http.Header, withProxyHeader bool) http.Header {
	h := httpmsg.Clone(stored)
	h.Set(httpmsg.HeaderXCache, httpmsg.XCacheHit)
	if withProxyHeader {
		h.Set(httpmsg.HeaderXProxy, httpmsg.ProxyName)
		h.Set(httpmsg.HeaderXCacheSource, httpmsg.CacheSourceCache)
	}
	return h
}

// cacheMissHeaders builds the response header set for a buffered cache
// miss on the absolute-form and MITM paths, from the origin's response
// headers. The relative-form miss adds X-Cache through forwardRelay's
// extraHeaders instead.
func cacheMissHeaders(origin http.Header, withProxyHeader bool) http.Header {
	h := httpmsg.Clone(origin)
	h.Set(httpmsg.HeaderXCache, httpmsg.XCacheMiss)
	if withProxyHeader {
		h.Set(httpmsg.HeaderXProxy, httpmsg.ProxyName)
		h.Set(httpmsg.HeaderXCacheSource, httpmsg.CacheSourceDirect)
	}
	return h
}

// writeErrorStatus maps an origin-fetch error to a 502 or 504 response
// and writes it directly to conn. It is only correct to call before any
// response bytes have been sent.
func writeErrorStatus(conn net.Conn, err error) {
	status := http.StatusBadGateway
	body := "Bad Gateway"

	var netErr net.Error
	if errorsAsNetError(err, &netErr) && netErr.Timeout() {
		status = http.StatusGatewayTimeout
		body = "Gateway Timeout"
	}

	_ = writeFullResponse(conn, status, http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}}, []byte(body))
}

// errorsAsNetError reports whether err, or an error reachable through a
// chain of single-error Unwrap calls, is a net.Error, and stores it in
// target.
func errorsAsNetError(err error, target *net.Error) bool {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			*target = ne
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// hostAndPort splits an authority (Host header or CONNECT target) into a
// bare host and numeric port, applying defaultPort when none is given.
func hostAndPort(authority string, defaultPort string) (host, port string) {
	h, p, err := net.SplitHostPort(authority)
	if err != nil {
		return authority, defaultPort
	}
	return h, p
}
