// Package devbackend is a reference IDE automation backend: it drives a
// browser-based IDE through Chrome, captures state snapshots, injects
// gestures, and serves both the duplex QUIC channel and the discrete HTTP
// endpoints the client falls back to. Production deployments replace it
// with the real IDE-side agent; it exists so a full mirroring session can
// run against any web IDE without one.
package devbackend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// BrowserConfig controls the Chrome instance hosting the IDE.
type BrowserConfig struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome via launcher.
	RemoteURL string

	// Headful disables headless mode for local debugging.
	Headful bool

	Logger *slog.Logger
}

// Browser manages the Chrome connection.
type Browser struct {
	cfg  BrowserConfig
	log  *slog.Logger
	mu   sync.Mutex
	b    *rod.Browser
	lnch *launcher.Launcher
}

// NewBrowser creates a browser handle. Call Start to connect.
func NewBrowser(cfg BrowserConfig) *Browser {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Browser{cfg: cfg, log: cfg.Logger.With("component", "devbackend")}
}

// Start launches Chrome (or connects to a remote instance).
func (br *Browser) Start(ctx context.Context) error {
	br.mu.Lock()
	defer br.mu.Unlock()

	var wsURL string
	if br.cfg.RemoteURL != "" {
		wsURL = br.cfg.RemoteURL
		br.log.Info("connecting to remote chrome", "url", wsURL)
	} else {
		l := launcher.New().
			Headless(!br.cfg.Headful).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("devbackend: launch chrome: %w", err)
		}
		wsURL = u
		br.lnch = l
		br.log.Info("launched local chrome", "url", wsURL, "headful", br.cfg.Headful)
	}

	b := rod.New().ControlURL(wsURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("devbackend: connect chrome: %w", err)
	}
	if err := b.IgnoreCertErrors(true); err != nil {
		br.log.Warn("ignore cert errors failed", "error", err)
	}

	br.b = b
	return nil
}

// Rod returns the underlying rod handle, or nil before Start.
func (br *Browser) Rod() *rod.Browser {
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.b
}

// Close shuts down Chrome.
func (br *Browser) Close() error {
	br.mu.Lock()
	defer br.mu.Unlock()
	if br.b != nil {
		br.b.Close()
		br.b = nil
	}
	if br.lnch != nil {
		br.lnch.Cleanup()
		br.lnch = nil
	}
	return nil
}
