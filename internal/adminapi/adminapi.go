// Package adminapi implements the administrative HTTP endpoints:
// /health, /proxy-stats, /clear-cache, /check-cache, /check-whitelist,
// /update-cache, and /.
//
// It registers against the core's intercept hook
// (proxyserver.AdminHookFunc) via a single Handler exposing a Hook
// method of the matching one-method function-adapter shape.
package adminapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/nojaja/cachingedgeproxy/internal/cachekey"
	"github.com/nojaja/cachingedgeproxy/internal/cachestore"
	"github.com/nojaja/cachingedgeproxy/internal/connstats"
	"github.com/nojaja/cachingedgeproxy/internal/proxyserver"
	"github.com/nojaja/cachingedgeproxy/internal/whitelist"
)

// Handler serves the admin endpoint table.
type Handler struct {
	Whitelist *whitelist.Set
	Store     *cachestore.Store
	Stats     *connstats.Registry
	Logger    *logrus.Logger
}

// New constructs a Handler. logger may be nil, in which case a default
// logrus.Logger is used.
func New(wl *whitelist.Set, store *cachestore.Store, stats *connstats.Registry, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handler{Whitelist: wl, Store: store, Stats: stats, Logger: logger}
}

// Hook adapts Handler to proxyserver.AdminHookFunc: it routes by path and
// method and reports whether it fully handled the request.
func (h *Handler) Hook(w http.ResponseWriter, r *http.Request) bool {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		h.health(w, r)
	case r.URL.Path == "/proxy-stats" && r.Method == http.MethodGet:
		h.proxyStats(w, r)
	case r.URL.Path == "/clear-cache" && r.Method == http.MethodGet:
		h.clearCache(w, r)
	case r.URL.Path == "/check-cache" && r.Method == http.MethodGet:
		h.checkCache(w, r)
	case r.URL.Path == "/check-whitelist" && r.Method == http.MethodPost:
		h.checkWhitelist(w, r)
	case r.URL.Path == "/update-cache" && r.Method == http.MethodGet:
		h.updateCache(w, r)
	case r.URL.Path == "/" && r.Method == http.MethodGet:
		h.dashboard(w, r)
	default:
		return false
	}
	return true
}

var _ proxyserver.AdminHookFunc = (&Handler{}).Hook

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

type proxyStatsResponse struct {
	HTTP                     connstats.HTTPCounters  `json:"http"`
	HTTPS                    connstats.HTTPSCounters `json:"https"`
	LiveConnections          int                     `json:"liveConnections"`
	WhitelistedDomains       []string                `json:"whitelistedDomains"`
	WhitelistedRegexPatterns []string                `json:"whitelistedRegexPatterns"`
}

func (h *Handler) proxyStats(w http.ResponseWriter, _ *http.Request) {
	snap := h.Stats.Snapshot()
	resp := proxyStatsResponse{
		HTTP:                     snap.HTTP,
		HTTPS:                    snap.HTTPS,
		LiveConnections:          snap.LiveConnections,
		WhitelistedDomains:       h.Whitelist.Literals(),
		WhitelistedRegexPatterns: h.Whitelist.Patterns(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) clearCache(w http.ResponseWriter, _ *http.Request) {
	deleted, errs := h.Store.ClearAll()
	for _, err := range errs {
		h.Logger.WithError(err).Warning("admin: clear-cache encountered an error")
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "Cleared %d file(s), %d error(s)\n", deleted, len(errs))
}

type checkCacheResponse struct {
	Cached      bool   `json:"cached"`
	URL         string `json:"url"`
	StatusCode  int    `json:"statusCode,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	DataSize    int    `json:"dataSize,omitempty"`
}

func (h *Handler) checkCache(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		http.Error(w, "missing url query parameter", http.StatusBadRequest)
		return
	}

	key, err := cachekey.For(rawURL, "")
	if err != nil {
		writeJSON(w, http.StatusOK, checkCacheResponse{Cached: false, URL: rawURL})
		return
	}

	entry, ok := h.Store.Lookup(key)
	if !ok {
		writeJSON(w, http.StatusOK, checkCacheResponse{Cached: false, URL: rawURL})
		return
	}

	writeJSON(w, http.StatusOK, checkCacheResponse{
		Cached:      true,
		URL:         rawURL,
		StatusCode:  entry.StatusCode,
		ContentType: entry.Headers.Get("Content-Type"),
		DataSize:    len(entry.Body),
	})
}

type checkWhitelistResponse struct {
	Host                     string   `json:"host"`
	IsWhitelisted            bool     `json:"isWhitelisted"`
	MatchedBy                string   `json:"matchedBy"`
	WhitelistedDomains       []string `json:"whitelistedDomains"`
	WhitelistedRegexPatterns []string `json:"whitelistedRegexPatterns"`
}

func (h *Handler) checkWhitelist(w http.ResponseWriter, r *http.Request) {
	host := r.Header.Get("X-Check-Host")
	if host == "" {
		http.Error(w, "missing X-Check-Host header", http.StatusBadRequest)
		return
	}

	match := h.Whitelist.Lookup(host)
	writeJSON(w, http.StatusOK, checkWhitelistResponse{
		Host:                     host,
		IsWhitelisted:            match.Eligible(),
		MatchedBy:                match.Kind.String(),
		WhitelistedDomains:       h.Whitelist.Literals(),
		WhitelistedRegexPatterns: h.Whitelist.Patterns(),
	})
}

func (h *Handler) updateCache(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		http.Error(w, "missing url query parameter", http.StatusBadRequest)
		return
	}

	u, err := parseHTTPSURL(rawURL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	key, err := cachekey.For(rawURL, "")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	port := u.port
	status, headers, body, err := proxyserver.FetchHTTPSDirect(u.host, port, u.requestURI)
	if err != nil {
		h.Logger.WithError(err).WithField("url", rawURL).Warning("admin: update-cache fetch failed")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	if status == http.StatusOK {
		if err := h.Store.Store(key, status, headers, body); err != nil {
			h.Logger.WithError(err).Warning("admin: update-cache store failed")
		}
	}

	writeJSON(w, http.StatusOK, checkCacheResponse{
		Cached:      status == http.StatusOK,
		URL:         rawURL,
		StatusCode:  status,
		ContentType: headers.Get("Content-Type"),
		DataSize:    len(body),
	})
}

func (h *Handler) dashboard(w http.ResponseWriter, _ *http.Request) {
	snap := h.Stats.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `<!DOCTYPE html>
<html><head><title>caching-edge-proxy</title></head>
<body>
<h1>caching-edge-proxy</h1>
<ul>
<li>HTTP requests: %d (hits %d, misses %d)</li>
<li>HTTPS connections: %d, requests: %d (hits %d, misses %d, saves %d)</li>
<li>Live connections: %d</li>
</ul>
</body></html>`,
		snap.HTTP.Requests, snap.HTTP.CacheHits, snap.HTTP.CacheMisses,
		snap.HTTPS.Connections, snap.HTTPS.Requests, snap.HTTPS.CacheHits, snap.HTTPS.CacheMisses, snap.HTTPS.CacheSaves,
		snap.LiveConnections,
	)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type parsedURL struct {
	host       string
	port       string
	requestURI string
}

// parseHTTPSURL is the small subset of URL parsing /update-cache needs:
// it only ever drives the absolute-form https fetch path.
func parseHTTPSURL(rawURL string) (parsedURL, error) {
	const prefix = "https://"
	if !strings.HasPrefix(rawURL, prefix) {
		return parsedURL{}, fmt.Errorf("adminapi: update-cache only supports https:// URLs, got %q", rawURL)
	}
	rest := strings.TrimPrefix(rawURL, prefix)

	slash := strings.IndexByte(rest, '/')
	authority := rest
	requestURI := "/"
	if slash >= 0 {
		authority = rest[:slash]
		requestURI = rest[slash:]
	}

	host := authority
	port := "443"
	if idx := strings.LastIndexByte(authority, ':'); idx >= 0 {
		host = authority[:idx]
		port = authority[idx+1:]
	}

	return parsedURL{host: host, port: port, requestURI: requestURI}, nil
}
