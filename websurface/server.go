// Package websurface serves the mirror over HTTP for a browser frontend:
// the current view and zones as JSON, the screenshot as PNG, gestures as
// POST endpoints, and a server-sent-events stream for live updates. It is
// itself a mirror.Surface: the controller pushes views in, subscribers pull
// them out.
package websurface

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/idemirror/journal"
	"github.com/hazyhaar/idemirror/mirror"
	"github.com/hazyhaar/idemirror/overlay"
	"github.com/hazyhaar/idemirror/shield"
	"github.com/hazyhaar/idemirror/snapshot"
	"github.com/hazyhaar/idemirror/transport"
	"github.com/hazyhaar/idemirror/wire"
)

// Controls is the gesture API the surface needs from the controller.
type Controls interface {
	Click(ctx context.Context, zoneIndex int) error
	PressKey(ctx context.Context, key string, mods wire.Modifiers) error
	SendChat(ctx context.Context, message string) error
	StopTyping(ctx context.Context) error
	ActiveSession() (mirror.TypingSession, bool)
}

// ServerConfig wires a Server.
type ServerConfig struct {
	Controls Controls
	Journal  *journal.Store // optional, enables the history endpoints
	// User and PasswordHash enable basic auth; PasswordHash is bcrypt.
	User         string
	PasswordHash string
	Logger       *slog.Logger
}

// Server holds the latest view and fans it out to SSE subscribers.
type Server struct {
	controls     Controls
	journal      *journal.Store
	logger       *slog.Logger
	user         string
	passwordHash string

	mu     sync.Mutex
	view   *mirror.View
	status transport.State
	subs   map[chan sseEvent]struct{}
}

type sseEvent struct {
	name string
	data []byte
}

// NewServer builds a web surface.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		controls:     cfg.Controls,
		journal:      cfg.Journal,
		logger:       cfg.Logger.With("component", "websurface"),
		user:         cfg.User,
		passwordHash: cfg.PasswordHash,
		subs:         make(map[chan sseEvent]struct{}),
	}
}

// SetControls binds the controller after construction. The surface is handed
// to the controller as a sink first, so the two reference each other; call
// this before Routes is served.
func (s *Server) SetControls(c Controls) {
	s.controls = c
}

// viewSummary is the SSE/JSON shape of a view, screenshot elided.
type viewSummary struct {
	Title         string            `json:"title"`
	Viewport      snapshot.Viewport `json:"viewport"`
	ZoneCount     int               `json:"zoneCount"`
	HasScreenshot bool              `json:"hasScreenshot"`
	Initial       bool              `json:"initial,omitempty"`
}

func summarize(v *mirror.View) viewSummary {
	return viewSummary{
		Title:         v.Snapshot.Title,
		Viewport:      v.Snapshot.Viewport,
		ZoneCount:     len(v.Zones),
		HasScreenshot: v.Snapshot.HasScreenshot(),
		Initial:       v.Initial,
	}
}

// PresentView implements mirror.Surface.
func (s *Server) PresentView(_ context.Context, view *mirror.View) error {
	s.mu.Lock()
	s.view = view
	s.mu.Unlock()

	data, err := json.Marshal(summarize(view))
	if err != nil {
		return err
	}
	s.broadcast(sseEvent{name: "view", data: data})
	return nil
}

// PresentStatus implements mirror.Surface.
func (s *Server) PresentStatus(_ context.Context, state transport.State) error {
	s.mu.Lock()
	s.status = state
	s.mu.Unlock()
	s.broadcast(sseEvent{name: "status", data: []byte(strconv.Quote(state.String()))})
	return nil
}

// PresentError implements mirror.Surface.
func (s *Server) PresentError(_ context.Context, msg string) error {
	s.broadcast(sseEvent{name: "error", data: []byte(strconv.Quote(msg))})
	return nil
}

// Close implements mirror.Surface.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		close(ch)
	}
	s.subs = make(map[chan sseEvent]struct{})
	return nil
}

func (s *Server) broadcast(ev sseEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: drop rather than stall the controller.
		}
	}
}

func (s *Server) subscribe() chan sseEvent {
	ch := make(chan sseEvent, 32)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *Server) unsubscribe(ch chan sseEvent) {
	s.mu.Lock()
	if _, ok := s.subs[ch]; ok {
		delete(s.subs, ch)
		close(ch)
	}
	s.mu.Unlock()
}

func (s *Server) currentView() *mirror.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack() {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Get("/api/view", s.handleView)
		r.Get("/api/view/html", s.handleViewHTML)
		r.Get("/api/view/markdown", s.handleViewMarkdown)
		r.Get("/api/view/screenshot", s.handleScreenshot)
		r.Get("/api/zones", s.handleZones)
		r.Post("/api/zones/{index}/click", s.handleClick)
		r.Post("/api/keys", s.handleKey)
		r.Post("/api/chat", s.handleChat)
		r.Get("/api/session", s.handleSession)
		r.Post("/api/session/stop", s.handleStop)
		r.Get("/api/events", s.handleEvents)
		r.Get("/api/history/commands", s.handleHistory)
	})

	return r
}

// requireAuth enforces basic auth when a user is configured.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.user == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.user)) != 1 ||
			bcrypt.CompareHashAndPassword([]byte(s.passwordHash), []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="idemirror"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleView(w http.ResponseWriter, _ *http.Request) {
	view := s.currentView()
	if view == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no snapshot yet"})
		return
	}
	writeJSON(w, http.StatusOK, summarize(view))
}

func (s *Server) handleViewHTML(w http.ResponseWriter, _ *http.Request) {
	view := s.currentView()
	if view == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no snapshot yet"})
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, snapshot.RenderHTML(view.Snapshot.Root))
}

func (s *Server) handleViewMarkdown(w http.ResponseWriter, _ *http.Request) {
	view := s.currentView()
	if view == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no snapshot yet"})
		return
	}
	md, err := snapshot.RenderMarkdown(view.Snapshot.Root)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	fmt.Fprint(w, md)
}

func (s *Server) handleScreenshot(w http.ResponseWriter, _ *http.Request) {
	view := s.currentView()
	if view == nil || !view.Snapshot.HasScreenshot() {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no screenshot"})
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(view.Snapshot.Screenshot)
}

// handleZones returns the zones, rescaled when the client passes its
// rendered width/height.
func (s *Server) handleZones(w http.ResponseWriter, r *http.Request) {
	view := s.currentView()
	if view == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no snapshot yet"})
		return
	}

	zones := view.Zones
	wq, hq := r.URL.Query().Get("width"), r.URL.Query().Get("height")
	if wq != "" || hq != "" {
		width, errW := strconv.ParseFloat(wq, 64)
		height, errH := strconv.ParseFloat(hq, 64)
		if errW != nil || errH != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "width and height must be numbers"})
			return
		}
		zones = view.ZonesFor(overlay.Size{Width: width, Height: height})
	}
	writeJSON(w, http.StatusOK, zones)
}

func (s *Server) handleClick(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "zone index must be an integer"})
		return
	}
	if err := s.controls.Click(r.Context(), index); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key       string         `json:"key"`
		Modifiers wire.Modifiers `json:"modifiers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Key == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "key is required"})
		return
	}
	if err := s.controls.PressKey(r.Context(), req.Key, req.Modifiers); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}
	if err := s.controls.SendChat(r.Context(), req.Message); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	sess, ok := s.controls.ActiveSession()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":    true,
		"id":        sess.ID,
		"selector":  sess.Selector,
		"semantic":  sess.Semantic,
		"startedAt": sess.StartedAt,
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.controls.StopTyping(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleEvents streams view/status/error events as SSE.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.subscribe()
	defer s.unsubscribe(ch)

	// Late subscribers get the current view immediately.
	if view := s.currentView(); view != nil {
		if data, err := json.Marshal(summarize(view)); err == nil {
			fmt.Fprintf(w, "event: view\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, ev.data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "journal disabled"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.journal.RecentCommands(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
