// Entry point for the reference automation backend: launches Chrome against
// a web IDE and serves the duplex QUIC channel plus the discrete HTTP
// fallback endpoints.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hazyhaar/idemirror/devbackend"
	"github.com/hazyhaar/idemirror/transport"
)

func main() {
	var (
		targetURL  = flag.String("target", "", "URL of the web IDE to mirror (required)")
		duplexAddr = flag.String("duplex-addr", ":4873", "QUIC listen address for the duplex channel")
		httpAddr   = flag.String("http-addr", ":4874", "listen address for the discrete HTTP endpoints")
		remoteURL  = flag.String("chrome-url", "", "WebSocket URL of an external Chrome (empty launches one)")
		headful    = flag.Bool("headful", false, "run Chrome with a visible window")
		interval   = flag.Duration("interval", 2*time.Second, "snapshot refresh interval")
		logLevel   = flag.String("log-level", "info", "debug | info | warn | error")
	)
	flag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	if *targetURL == "" {
		slog.Error("-target is required")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	browser := devbackend.NewBrowser(devbackend.BrowserConfig{
		RemoteURL: *remoteURL,
		Headful:   *headful,
		Logger:    logger,
	})
	if err := browser.Start(ctx); err != nil {
		slog.Error("start browser", "error", err)
		os.Exit(1)
	}
	defer browser.Close()

	tab, err := devbackend.OpenTab(ctx, browser, *targetURL)
	if err != nil {
		slog.Error("open tab", "target", *targetURL, "error", err)
		os.Exit(1)
	}
	defer tab.Close()

	svc := devbackend.NewService(tab, devbackend.ServiceConfig{
		SnapshotInterval: *interval,
		Logger:           logger,
	})
	svc.Start(ctx)

	// Duplex QUIC listener.
	tlsCfg, err := transport.SelfSignedTLSConfig()
	if err != nil {
		slog.Error("duplex TLS", "error", err)
		os.Exit(1)
	}
	duplex := devbackend.NewDuplexServer(svc, tlsCfg, logger)
	go func() {
		if err := duplex.Serve(ctx, *duplexAddr); err != nil && ctx.Err() == nil {
			slog.Error("duplex server", "error", err)
			os.Exit(1)
		}
	}()
	defer duplex.Close()

	// Discrete HTTP endpoints.
	srv := &http.Server{
		Addr:              *httpAddr,
		Handler:           devbackend.NewHTTPServer(svc, logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		slog.Info("discrete endpoints starting", "addr", *httpAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("backend ready", "target", *targetURL, "duplex", *duplexAddr, "http", *httpAddr)
	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("backend stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
