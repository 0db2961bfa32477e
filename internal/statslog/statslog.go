// Package statslog periodically logs a snapshot of the connection
// registry's counters at INFO level (SPEC_FULL.md §5.3), grounded on the
// teacher's controller.Logger.WithFields(...) call shape.
package statslog

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nojaja/cachingedgeproxy/internal/connstats"
)

// Run logs a counters snapshot every interval until stop is closed. It
// is meant to be launched in its own goroutine by the entrypoint.
func Run(stats *connstats.Registry, logger *logrus.Logger, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			logOnce(stats, logger)
		}
	}
}

func logOnce(stats *connstats.Registry, logger *logrus.Logger) {
	snap := stats.Snapshot()
	logger.WithFields(logrus.Fields{
		"http.requests":     snap.HTTP.Requests,
		"http.cacheHits":    snap.HTTP.CacheHits,
		"http.cacheMisses":  snap.HTTP.CacheMisses,
		"https.connections": snap.HTTPS.Connections,
		"https.requests":    snap.HTTPS.Requests,
		"https.cacheHits":   snap.HTTPS.CacheHits,
		"https.cacheMisses": snap.HTTPS.CacheMisses,
		"https.cacheSaves":  snap.HTTPS.CacheSaves,
		"liveConnections":   snap.LiveConnections,
	}).Info("proxy stats")
}
