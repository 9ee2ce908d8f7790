package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/artefact-relay/internal/domain"
	"github.com/ashureev/artefact-relay/internal/identity"
)

// SessionReader exposes stored sessions for administrative views.
type SessionReader interface {
	Session(ctx context.Context, participantID string) (*domain.ParticipantSession, error)
	List(ctx context.Context) ([]domain.SessionSummary, error)
	Export(ctx context.Context) (*domain.Export, error)
}

// AdminHandler serves read-only session listings and exports.
type AdminHandler struct {
	sessions SessionReader
	logger   *slog.Logger
}

// NewAdminHandler creates an admin handler.
func NewAdminHandler(sessions SessionReader, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{sessions: sessions, logger: logger}
}

// RegisterRoutes registers admin routes.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", h.List)
		r.Get("/export", h.Export)
		r.Get("/{participantID}", h.Get)
	})
}

// List returns one summary per participant.
func (h *AdminHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.sessions.List(r.Context())
	if err != nil {
		h.logger.Error("Failed to list sessions", "error", err)
		Error(w, http.StatusInternalServerError, msgStoreUnavailable)
		return
	}
	if list == nil {
		list = []domain.SessionSummary{}
	}
	JSON(w, http.StatusOK, map[string]any{"sessions": list})
}

// Export returns every session with messages and every interaction.
func (h *AdminHandler) Export(w http.ResponseWriter, r *http.Request) {
	out, err := h.sessions.Export(r.Context())
	if err != nil {
		h.logger.Error("Failed to export sessions", "error", err)
		Error(w, http.StatusInternalServerError, msgStoreUnavailable)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="sessions-export.json"`)
	JSON(w, http.StatusOK, out)
}

// Get returns one participant's full history.
func (h *AdminHandler) Get(w http.ResponseWriter, r *http.Request) {
	pid, ok := identity.NormalizeParticipantID(chi.URLParam(r, "participantID"))
	if !ok {
		Error(w, http.StatusBadRequest, msgInvalidID)
		return
	}
	sess, err := h.sessions.Session(r.Context(), pid)
	if err != nil {
		h.logger.Error("Failed to load session", "participant_id", pid, "error", err)
		Error(w, http.StatusInternalServerError, msgStoreUnavailable)
		return
	}
	if sess == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	JSON(w, http.StatusOK, sess)
}
