// Package proxyserver implements the connection dispatcher: the
// HTTP/1.1 front-end, the absolute-form GET handler, the relative-form
// handler, the CONNECT dispatcher, the MITM terminator, and graceful
// shutdown.
//
// The accept loop runs one goroutine per listener with errors funneled
// to a channel, and a single dispatch entry point routes each
// connection, operating over raw net.Conn rather than net/http.Server +
// ResponseWriter, since CONNECT tunneling and MITM both need direct
// socket access that net/http's hijacking model only gets at
// indirectly.
package proxyserver

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nojaja/cachingedgeproxy/internal/cachestore"
	"github.com/nojaja/cachingedgeproxy/internal/certauthority"
	"github.com/nojaja/cachingedgeproxy/internal/connstats"
	"github.com/nojaja/cachingedgeproxy/internal/whitelist"
)

// selfProxyMessage is returned when a client points the proxy at itself.
const selfProxyMessage = "直接のローカルホストへのリクエストは許可されていません"

// requestOverallTimeout bounds reading the client's request, and the
// whole of a MITM exchange. The deadline is cleared once a request has
// been parsed, so the relative-form, absolute-form and tunnel paths are
// not bounded by it.
const requestOverallTimeout = 25 * time.Second

// originIdleTimeout bounds dialing an origin. The forwarding and MITM
// paths also set it once, after the dial, as a single deadline for the
// whole origin exchange.
const originIdleTimeout = 30 * time.Second

// AdminHookFunc is the intercept hook an external admin-endpoint
// collaborator registers against the front-end. It is consulted for
// any request whose Host header contains "localhost", before
// absolute-form or relative-form dispatch. It reports whether it fully
// handled the request.
type AdminHookFunc func(w http.ResponseWriter, r *http.Request) (handled bool)

// Options configures a Server.
type Options struct {
	// ProxyPort is the port the front-end listens on; it is also used
	// to recognize and reject self-proxy attempts.
	ProxyPort int

	Whitelist *whitelist.Set
	Store     *cachestore.Store
	Stats     *connstats.Registry
	Certs     *certauthority.Provider
	Logger    *logrus.Logger

	// AdminHook is optional; when nil, no request is ever treated as an
	// admin request.
	AdminHook AdminHookFunc

	// PrefetchOnConnect enables the best-effort prefetch of https://host/
	// on every whitelisted CONNECT. Off by default.
	PrefetchOnConnect bool
}

// Server is the connection dispatcher: it accepts TCP, tracks every
// socket in the connection registry, and dispatches each to the
// absolute-form handler, the relative-form handler, the CONNECT
// dispatcher, or the admin hook.
type Server struct {
	opts Options

	listener     net.Listener
	shuttingDown int32 // atomic bool
}

// New constructs a Server from opts. It does not start listening.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Server{opts: opts}
}

// ListenAndServe listens on the configured ProxyPort and serves until
// the listener is closed (typically via Shutdown).
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.opts.ProxyPort))
	if err != nil {
		return fmt.Errorf("proxyserver: listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections from ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	s.listener = ln

	for {
		conn, err := ln.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.shuttingDown) == 1 {
				return nil
			}
			return err
		}

		untrack := s.opts.Stats.Track(conn)
		go s.handleConnection(conn, untrack)
	}
}

// handleConnection parses a single HTTP/1.1 request from conn and
// dispatches it. Every exchange is non-keep-alive: conn is always
// closed when this function returns.
func (s *Server) handleConnection(conn net.Conn, untrack func()) {
	defer untrack()
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(requestOverallTimeout))

	reader := bufio.NewReader(conn)
	req, err := http.ReadRequest(reader)
	if err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	s.dispatch(conn, reader, req)
}

// dispatch routes a parsed request to the self-proxy guard, the CONNECT
// handler, the admin hook, the absolute-form handler, or the
// relative-form handler, in that order.
func (s *Server) dispatch(conn net.Conn, reader *bufio.Reader, req *http.Request) {
	logger := s.opts.Logger

	if violatesSelfProxyGuard(req.Host, s.opts.ProxyPort) {
		writeSimpleResponse(conn, http.StatusBadRequest, selfProxyMessage)
		return
	}

	if req.Method == http.MethodConnect {
		s.handleConnect(conn, req)
		return
	}

	if !req.URL.IsAbs() && req.Host == "" {
		writeSimpleResponse(conn, http.StatusBadRequest, "Host header is required")
		return
	}

	if s.opts.AdminHook != nil && strings.Contains(req.Host, "localhost") {
		rw := newConnResponseWriter(conn)
		if s.opts.AdminHook(rw, req) {
			rw.finalize()
			return
		}
	}

	if req.URL.IsAbs() {
		s.handleAbsolute(conn, req)
		return
	}

	logger.WithField("host", req.Host).Debug("dispatch: relative-form request")
	s.handleRelative(conn, req)
}

// violatesSelfProxyGuard reports whether host names this proxy's own
// listening port under "localhost".
func violatesSelfProxyGuard(host string, proxyPort int) bool {
	if host == "" {
		return false
	}
	needle := "localhost:" + strconv.Itoa(proxyPort)
	return strings.Contains(host, needle)
}

// writeSimpleResponse writes a minimal "Connection: close" text response
// directly to conn and does not close conn (the caller's defer does).
func writeSimpleResponse(conn net.Conn, status int, body string) {
	resp := &http.Response{
		StatusCode: status,
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header: http.Header{
			"Content-Type": []string{"text/plain; charset=utf-8"},
			"Connection":   []string{"close"},
		},
		Body:          newBodyReader(body),
		ContentLength: int64(len(body)),
	}
	_ = resp.Write(conn)
}
