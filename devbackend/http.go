package devbackend

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/idemirror/wire"
)

// HTTPServer serves the discrete endpoints clients fall back to when the
// duplex channel is down. Command failures are protocol-level results, not
// HTTP errors: the response is always 200 with success=false on rejection.
type HTTPServer struct {
	svc *Service
	log *slog.Logger
}

// NewHTTPServer wraps the service.
func NewHTTPServer(svc *Service, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{svc: svc, log: logger.With("component", "discrete")}
}

// Routes builds the discrete endpoint router.
func (h *HTTPServer) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Post("/api/connect", h.handleCommand(wire.CmdConnectIDE))
	r.Post("/api/click", h.handleCommand(wire.CmdClickElement))
	r.Post("/api/chat", h.handleCommand(wire.CmdSendChatMessage))

	return r
}

func (h *HTTPServer) handleCommand(cmdType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			h.writeResult(w, wire.Result{Error: "read body: " + err.Error()})
			return
		}

		var cmd rawCommand
		if len(body) > 0 {
			if err := json.Unmarshal(body, &cmd); err != nil {
				h.writeResult(w, wire.Result{Error: "malformed command: " + err.Error()})
				return
			}
		}
		// The path already names the command; the body's type field, when
		// present, must agree.
		if cmd.Type != "" && cmd.Type != cmdType {
			h.writeResult(w, wire.Result{Error: "command type mismatch"})
			return
		}

		snap, err := h.svc.Apply(r.Context(), cmdType, cmd.Payload)
		if err != nil {
			h.log.Warn("command rejected", "type", cmdType, "error", err)
			h.writeResult(w, wire.Result{Error: err.Error()})
			return
		}
		h.writeResult(w, wire.Result{Success: true, Data: snap})
	}
}

func (h *HTTPServer) writeResult(w http.ResponseWriter, res wire.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		h.log.Warn("write result failed", "error", err)
	}
}
