// Package mirror drives the interactive mirroring session: it holds the
// latest IDE state, exposes the interaction zones, and forwards user
// gestures back through the transport with keystroke batching.
package mirror

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/hazyhaar/idemirror/overlay"
	"github.com/hazyhaar/idemirror/snapshot"
	"github.com/hazyhaar/idemirror/transport"
)

// View is one presentable unit of IDE state: the snapshot plus the zones
// extracted from it, in captured-viewport coordinates.
type View struct {
	Snapshot   *snapshot.StateSnapshot
	Zones      []overlay.Zone
	Initial    bool
	ReceivedAt time.Time
}

// ZonesFor returns a copy of the zones rescaled to a surface's rendered
// size. The view's own zones stay in viewport coordinates.
func (v *View) ZonesFor(rendered overlay.Size) []overlay.Zone {
	zones := make([]overlay.Zone, len(v.Zones))
	copy(zones, v.Zones)
	overlay.Rescale(zones, v.Snapshot.Viewport, rendered)
	return zones
}

// Surface is a presentation backend. Implementations render views to
// different frontends (stdout JSON lines, the web surface, tests).
type Surface interface {
	PresentView(ctx context.Context, view *View) error
	PresentStatus(ctx context.Context, state transport.State) error
	PresentError(ctx context.Context, msg string) error
	Close() error
}

// Router fans out to all configured surfaces. One surface error does not
// block the others — errors are logged and the first encountered is
// returned.
type Router struct {
	surfaces []Surface
	logger   *slog.Logger
}

// NewRouter creates a fan-out router delivering to all surfaces.
func NewRouter(logger *slog.Logger, surfaces ...Surface) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{surfaces: surfaces, logger: logger}
}

func (r *Router) PresentView(ctx context.Context, view *View) error {
	var firstErr error
	for _, s := range r.surfaces {
		if err := s.PresentView(ctx, view); err != nil {
			r.logger.Warn("surface: present view failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Router) PresentStatus(ctx context.Context, state transport.State) error {
	var firstErr error
	for _, s := range r.surfaces {
		if err := s.PresentStatus(ctx, state); err != nil {
			r.logger.Warn("surface: present status failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Router) PresentError(ctx context.Context, msg string) error {
	var firstErr error
	for _, s := range r.surfaces {
		if err := s.PresentError(ctx, msg); err != nil {
			r.logger.Warn("surface: present error failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Router) Close() error {
	var firstErr error
	for _, s := range r.surfaces {
		if err := s.Close(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Stdout writes session output as JSON lines to an io.Writer (default
// os.Stdout). Screenshots are elided; the structural tree and zones are
// enough for line-oriented consumers.
type Stdout struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStdout creates a Stdout surface. If w is nil, os.Stdout is used.
func NewStdout(w io.Writer) *Stdout {
	if w == nil {
		w = os.Stdout
	}
	return &Stdout{enc: json.NewEncoder(w)}
}

type stdoutEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type stdoutView struct {
	Title    string                `json:"title"`
	Viewport snapshot.Viewport     `json:"viewport"`
	Zones    []overlay.Zone        `json:"zones"`
	Root     *snapshot.ElementNode `json:"root"`
	Initial  bool                  `json:"initial,omitempty"`
}

func (s *Stdout) PresentView(_ context.Context, view *View) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(stdoutEnvelope{Type: "view", Data: stdoutView{
		Title:    view.Snapshot.Title,
		Viewport: view.Snapshot.Viewport,
		Zones:    view.Zones,
		Root:     view.Snapshot.Root,
		Initial:  view.Initial,
	}})
}

func (s *Stdout) PresentStatus(_ context.Context, state transport.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(stdoutEnvelope{Type: "status", Data: state.String()})
}

func (s *Stdout) PresentError(_ context.Context, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(stdoutEnvelope{Type: "error", Data: msg})
}

func (s *Stdout) Close() error { return nil }
