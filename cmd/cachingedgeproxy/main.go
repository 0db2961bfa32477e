// Command cachingedgeproxy runs the whitelisted MITM caching forward
// proxy: a signal-fed error channel drives a final staged shutdown
// before os.Exit.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nojaja/cachingedgeproxy/internal/adminapi"
	"github.com/nojaja/cachingedgeproxy/internal/cachestore"
	"github.com/nojaja/cachingedgeproxy/internal/certauthority"
	"github.com/nojaja/cachingedgeproxy/internal/config"
	"github.com/nojaja/cachingedgeproxy/internal/connstats"
	"github.com/nojaja/cachingedgeproxy/internal/proxyserver"
	"github.com/nojaja/cachingedgeproxy/internal/statslog"
	"github.com/nojaja/cachingedgeproxy/internal/whitelist"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error while reading config: %s\n", err.Error())
		return 1
	}

	logger := logrus.New()
	logger.SetLevel(logLevelFromString(cfg.LogLevel))

	wl, err := whitelist.New(cfg.WhitelistedDomains)
	if err != nil {
		logger.WithError(err).Error("invalid whitelist configuration")
		return 1
	}

	certs, err := certauthority.Load(cfg.HTTPS.CertPath, cfg.HTTPS.KeyPath)
	if err != nil {
		logger.WithError(err).Error("cert init failure")
		return 1
	}

	store := cachestore.New(cfg.CacheRoot, 128*1024*1024, logger)
	stats := connstats.New()

	var hook proxyserver.AdminHookFunc
	if cfg.Admin.Enabled {
		admin := adminapi.New(wl, store, stats, logger)
		hook = admin.Hook
	}

	srv := proxyserver.New(proxyserver.Options{
		ProxyPort: cfg.ProxyPort,
		Whitelist: wl,
		Store:     store,
		Stats:     stats,
		Certs:     certs,
		Logger:    logger,
		AdminHook: hook,
	})

	statsStop := make(chan struct{})
	go statslog.Run(stats, logger, time.Minute, statsStop)
	defer close(statsStop)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil {
			logger.WithError(err).Error("listen failure")
			return 1
		}
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("shutting down")
		if err := srv.Shutdown(); err != nil {
			logger.WithError(err).Error("shutdown timeout")
			return 1
		}
	}

	logger.Info("exited")
	return 0
}

func logLevelFromString(level string) logrus.Level {
	switch level {
	case "DEBUG":
		return logrus.DebugLevel
	case "INFO":
		return logrus.InfoLevel
	case "WARN":
		return logrus.WarnLevel
	default:
		return logrus.ErrorLevel
	}
}
