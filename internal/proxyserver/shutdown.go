package proxyserver

import (
	"fmt"
	"sync/atomic"
	"time"
)

// drainPollInterval is how often the registry is polled for emptiness
// during shutdown.
const drainPollInterval = 1 * time.Second

// shutdownHardTimeout is the wall-clock allowance from the shutdown
// signal to a forced exit.
const shutdownHardTimeout = 5 * time.Second

// ErrShutdownTimeout is returned by Shutdown when the registry did not
// drain within shutdownHardTimeout.
var ErrShutdownTimeout = fmt.Errorf("proxyserver: shutdown timed out after %s", shutdownHardTimeout)

// Shutdown stops accepting new connections, then half-closes every live
// socket, force-closing any still open after 1 s, polling the registry
// every second until it is empty or the hard 5 s wall clock expires.
func (s *Server) Shutdown() error {
	atomic.StoreInt32(&s.shuttingDown, 1)

	if s.listener != nil {
		_ = s.listener.Close()
	}

	deadline := time.Now().Add(shutdownHardTimeout)

	s.drainOnce()

	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		if s.opts.Stats.Count() == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrShutdownTimeout
		}
		<-ticker.C
	}
}

// drainOnce attempts a graceful half-close of every live connection,
// force-closing any still open after 1 s.
func (s *Server) drainOnce() {
	conns := s.opts.Stats.Live()
	for _, conn := range conns {
		if closer, ok := conn.(interface{ CloseWrite() error }); ok {
			_ = closer.CloseWrite()
		}
	}

	time.Sleep(drainPollInterval)

	for _, conn := range s.opts.Stats.Live() {
		_ = conn.Close()
	}
}
