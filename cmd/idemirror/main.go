// Entry point for the idemirror client: transport channel, interaction
// controller, web surface, optional journal and MCP-over-QUIC.
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

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/idemirror/config"
	"github.com/hazyhaar/idemirror/journal"
	"github.com/hazyhaar/idemirror/mcpquic"
	"github.com/hazyhaar/idemirror/mcptool"
	"github.com/hazyhaar/idemirror/mirror"
	"github.com/hazyhaar/idemirror/transport"
	"github.com/hazyhaar/idemirror/websurface"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML configuration (defaults apply when empty)")
		jsonOut    = flag.Bool("json", false, "emit views as JSON lines on stdout")
		mcpAddr    = flag.String("mcp-addr", "", "serve MCP tools over QUIC on this address")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			slog.Error("load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Journal (optional).
	var store *journal.Store
	if cfg.Journal.Path != "" {
		var err error
		store, err = journal.Open(cfg.Journal.Path)
		if err != nil {
			slog.Error("open journal", "path", cfg.Journal.Path, "error", err)
			os.Exit(1)
		}
		defer store.Close()
		if removed, err := store.Cleanup(ctx, cfg.Journal.Retention); err != nil {
			slog.Warn("journal cleanup", "error", err)
		} else if removed > 0 {
			slog.Info("journal cleanup", "removed", removed)
		}
	}

	// Transport channel.
	channel := transport.NewChannel(transport.Config{
		DuplexAddr:         cfg.Backend.DuplexAddr,
		HTTPBaseURL:        cfg.Backend.HTTPBaseURL,
		InsecureSkipVerify: cfg.Backend.InsecureSkipVerify,
		DialTimeout:        cfg.Backend.DialTimeout,
		RequestTimeout:     cfg.Backend.RequestTimeout,
		ReconnectBase:      cfg.Backend.ReconnectBase,
		ReconnectMax:       cfg.Backend.ReconnectMax,
		Logger:             logger,
	})
	defer channel.Shutdown()

	// Surfaces.
	var surfaces []mirror.Surface
	if *jsonOut {
		surfaces = append(surfaces, mirror.NewStdout(os.Stdout))
	}

	var web *websurface.Server
	if cfg.Web.Listen != "" {
		web = websurface.NewServer(websurface.ServerConfig{
			Journal:      store,
			User:         cfg.Web.User,
			PasswordHash: cfg.Web.PasswordHash,
			Logger:       logger,
		})
		surfaces = append(surfaces, web)
	}

	controller := mirror.NewController(mirror.ControllerConfig{
		Channel:  channel,
		Surfaces: mirror.NewRouter(logger, surfaces...),
		Recorder: recorder(store),
		Batch: mirror.BatchConfig{
			MaxChars:   cfg.Typing.MaxChars,
			IdleWindow: cfg.Typing.IdleWindow,
			MaxAge:     cfg.Typing.MaxAge,
		},
		Logger: logger,
	})

	if web != nil {
		web.SetControls(controller)
		srv := &http.Server{
			Addr:              cfg.Web.Listen,
			Handler:           web.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			slog.Info("web surface starting", "addr", cfg.Web.Listen)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("web surface", "error", err)
				os.Exit(1)
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	// Optional MCP QUIC.
	if *mcpAddr != "" {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "idemirror",
			Version: "1.0.0",
		}, nil)
		mcptool.New(controller).RegisterMCP(mcpSrv)

		tlsCfg, err := mcpquic.SelfSignedTLSConfig()
		if err != nil {
			slog.Error("MCP QUIC TLS", "error", err)
			os.Exit(1)
		}
		ql, err := mcpquic.NewListener(*mcpAddr, tlsCfg, mcpSrv, logger)
		if err != nil {
			slog.Error("MCP QUIC listener", "error", err)
			os.Exit(1)
		}
		go func() {
			slog.Info("MCP QUIC starting", "addr", *mcpAddr)
			if err := ql.Serve(ctx); err != nil && ctx.Err() == nil {
				slog.Error("MCP QUIC", "error", err)
			}
		}()
		defer ql.Close()
	}

	channel.Connect(ctx)

	slog.Info("mirror starting", "backend", cfg.Backend.DuplexAddr)
	if err := controller.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("controller", "error", err)
		os.Exit(1)
	}
	slog.Info("mirror stopped")
}

// recorder keeps the Recorder interface nil when no journal is configured. A
// typed-nil *journal.Store inside a non-nil interface would defeat the
// controller's nil check.
func recorder(store *journal.Store) mirror.Recorder {
	if store == nil {
		return nil
	}
	return store
}

func newLogger(cfg config.Log) *slog.Logger {
	var lvl slog.Level
	switch cfg.Level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
