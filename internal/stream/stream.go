// Package stream serves the description flow over a WebSocket, pushing job
// status changes to the client while the job runs.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/artefact-relay/internal/api"
	"github.com/ashureev/artefact-relay/internal/jobs"
)

const (
	writeTimeout = 5 * time.Second
	readTimeout  = 30 * time.Second
)

// Describer runs the description flow.
type Describer interface {
	Describe(ctx context.Context, req api.DescriptionRequest, observer jobs.Observer) api.Outcome
}

// Event is a server-to-client message.
type Event struct {
	Type     string `json:"type"`
	Status   string `json:"status,omitempty"`
	Poll     int    `json:"poll,omitempty"`
	Response string `json:"response,omitempty"`
	Fallback bool   `json:"fallback,omitempty"`
	Error    string `json:"error,omitempty"`
	Code     int    `json:"code,omitempty"`
}

// Handler upgrades to a WebSocket, reads one description request and streams
// the job's progress followed by the final response.
type Handler struct {
	describer      Describer
	allowedOrigins []string
	isDev          bool
	logger         *slog.Logger
}

// NewHandler creates a stream handler.
func NewHandler(describer Describer, allowedOrigins []string, isDev bool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		describer:      describer,
		allowedOrigins: allowedOrigins,
		isDev:          isDev,
		logger:         logger,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "done"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	readCtx, cancel := context.WithTimeout(r.Context(), readTimeout)
	var req api.DescriptionRequest
	err = wsjson.Read(readCtx, ws, &req)
	cancel()
	if err != nil {
		h.logger.Debug("Failed to read stream request", "error", err)
		h.send(r.Context(), ws, Event{Type: "error", Error: "invalid request body", Code: http.StatusBadRequest})
		return
	}

	// CloseRead keeps control frames flowing and cancels ctx when the client goes away.
	ctx := ws.CloseRead(r.Context())

	observer := func(t jobs.Transition) {
		h.send(ctx, ws, Event{Type: "status", Status: string(t.To), Poll: t.Poll})
	}

	out := h.describer.Describe(ctx, req, observer)
	if out.Status != http.StatusOK {
		h.send(ctx, ws, Event{
			Type:     "error",
			Error:    out.Body.Error,
			Code:     out.Status,
			Response: out.Body.Response,
		})
		return
	}
	h.send(ctx, ws, Event{Type: "response", Response: out.Body.Response, Fallback: out.Body.Fallback})
}

func (h *Handler) send(ctx context.Context, ws *websocket.Conn, ev Event) {
	if ctx.Err() != nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, ws, ev); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Debug("WebSocket write error", "type", ev.Type, "error", err)
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(h.allowedOrigins, "*") || slices.Contains(h.allowedOrigins, origin) {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin)
	return false
}
