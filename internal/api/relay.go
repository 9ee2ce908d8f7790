package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ashureev/artefact-relay/internal/domain"
	"github.com/ashureev/artefact-relay/internal/identity"
	"github.com/ashureev/artefact-relay/internal/jobs"
	"github.com/ashureev/artefact-relay/internal/prompt"
)

// User-facing error messages.
const (
	msgStoreUnavailable = "session store unavailable"
	msgTooSlow          = "The assistant took too long to respond. Please try again."
	msgGenerateFailed   = "Failed to generate more information."
	msgSpeechFailed     = "Failed to generate audio."
	msgInvalidID        = "invalid participantId"
)

// Sessions is the Session Store as seen by the handlers.
type Sessions interface {
	GetOrCreate(ctx context.Context, participantID string) (domain.ConversationHandle, error)
	UpsertInteraction(ctx context.Context, delta domain.InteractionDelta) (*domain.ArtefactInteraction, error)
}

// Runner drives one prompt to a terminal state.
type Runner interface {
	Run(ctx context.Context, req jobs.Request) jobs.Result
}

// Synthesizer produces audio for text.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Prompts renders the per-flow prompt text.
type Prompts interface {
	Description(d prompt.Data) (string, error)
	MoreInfo(d prompt.Data) (string, error)
	MoreInfoFallback(d prompt.Data) string
}

// Deps are the collaborators of RelayHandler.
type Deps struct {
	Sessions Sessions
	Runner   Runner
	Speech   Synthesizer
	Prompts  Prompts
	Logger   *slog.Logger
}

// RelayHandler serves the visitor-facing operations.
type RelayHandler struct {
	sessions Sessions
	runner   Runner
	speech   Synthesizer
	prompts  Prompts
	validate *validator.Validate
	logger   *slog.Logger
}

// NewRelayHandler creates a relay handler.
func NewRelayHandler(deps Deps) *RelayHandler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RelayHandler{
		sessions: deps.Sessions,
		runner:   deps.Runner,
		speech:   deps.Speech,
		prompts:  deps.Prompts,
		validate: newValidator(),
		logger:   logger,
	}
}

// RegisterRoutes registers the relay routes.
func (h *RelayHandler) RegisterRoutes(r chi.Router) {
	r.Post("/fetch-description", h.FetchDescription)
	r.Post("/fetch-more-info", h.FetchMoreInfo)
	r.Post("/fetch-tts", h.FetchTTS)
	r.Post("/log-artefact-data", h.LogArtefactData)
}

// Outcome is a handler result before it is written to the wire.
type Outcome struct {
	Status int
	Body   Response
}

// FetchDescription adapts an artefact description to the visitor's profile.
func (h *RelayHandler) FetchDescription(w http.ResponseWriter, r *http.Request) {
	var req DescriptionRequest
	if err := decode(w, r, h.validate, &req); err != nil {
		writeRequestError(w, err)
		return
	}
	out := h.Describe(r.Context(), req, nil)
	JSON(w, out.Status, out.Body)
}

// Describe runs the description flow for an already-decoded request. Upstream
// failures degrade to the original description; only store failures are 500.
func (h *RelayHandler) Describe(ctx context.Context, req DescriptionRequest, observer jobs.Observer) Outcome {
	if err := validate(h.validate, &req); err != nil {
		return Outcome{Status: http.StatusBadRequest, Body: Response{Error: err.Error()}}
	}
	pid, ok := identity.NormalizeParticipantID(req.ParticipantID)
	if !ok {
		return Outcome{Status: http.StatusBadRequest, Body: Response{Error: msgInvalidID}}
	}
	log := h.logger.With("participant_id", pid, "artefact", req.Artefact, "flow", "description")

	fallback := Outcome{
		Status: http.StatusOK,
		Body:   Response{Response: req.OriginalDescription, Fallback: true},
	}

	handle, err := h.sessions.GetOrCreate(ctx, pid)
	if err != nil {
		if errors.Is(err, domain.ErrStoreUnavailable) {
			log.Error("Session lookup failed", "error", err)
			return Outcome{Status: http.StatusInternalServerError, Body: Response{Error: msgStoreUnavailable}}
		}
		log.Warn("Conversation unavailable, returning original description", "error", err)
		return fallback
	}

	text, err := h.prompts.Description(prompt.Data{
		Artefact:    req.Artefact,
		Profile:     req.Profile,
		Description: req.OriginalDescription,
	})
	if err != nil {
		log.Error("Failed to render description prompt", "error", err)
		return fallback
	}

	res := h.runner.Run(ctx, jobs.Request{
		ParticipantID: pid,
		Handle:        handle,
		Prompt:        text,
		Fallback:      req.OriginalDescription,
		Flow:          "description",
		Observer:      observer,
	})
	if errors.Is(res.Err, domain.ErrStoreUnavailable) {
		log.Error("Failed to record exchange", "error", res.Err)
		return Outcome{
			Status: http.StatusInternalServerError,
			Body:   Response{Response: res.Text, Error: msgStoreUnavailable},
		}
	}
	return Outcome{Status: http.StatusOK, Body: Response{Response: res.Text, Fallback: res.Fallback}}
}

// FetchMoreInfo answers a "tell me more" follow-up in the participant's conversation.
func (h *RelayHandler) FetchMoreInfo(w http.ResponseWriter, r *http.Request) {
	var req MoreInfoRequest
	if err := decode(w, r, h.validate, &req); err != nil {
		writeRequestError(w, err)
		return
	}
	pid, ok := identity.NormalizeParticipantID(req.ParticipantID)
	if !ok {
		Error(w, http.StatusBadRequest, msgInvalidID)
		return
	}
	ctx := r.Context()
	log := h.logger.With("participant_id", pid, "artefact", req.Artefact, "flow", "more_info")

	data := prompt.Data{
		Artefact:    req.Artefact,
		Profile:     req.Profile,
		Description: req.CurrentDescription,
	}
	fallback := h.prompts.MoreInfoFallback(data)

	handle, err := h.sessions.GetOrCreate(ctx, pid)
	if err != nil {
		if errors.Is(err, domain.ErrStoreUnavailable) {
			log.Error("Session lookup failed", "error", err)
			Error(w, http.StatusInternalServerError, msgStoreUnavailable)
			return
		}
		log.Error("Conversation unavailable", "error", err)
		JSON(w, http.StatusInternalServerError, Response{Response: fallback, Fallback: true, Error: msgGenerateFailed})
		return
	}

	text, err := h.prompts.MoreInfo(data)
	if err != nil {
		log.Error("Failed to render more-info prompt", "error", err)
		JSON(w, http.StatusInternalServerError, Response{Response: fallback, Fallback: true, Error: msgGenerateFailed})
		return
	}

	res := h.runner.Run(ctx, jobs.Request{
		ParticipantID: pid,
		Handle:        handle,
		Prompt:        text,
		Fallback:      fallback,
		Flow:          "more_info",
	})

	switch {
	case res.Err == nil:
		JSON(w, http.StatusOK, Response{Response: res.Text})
	case errors.Is(res.Err, domain.ErrStoreUnavailable):
		log.Error("Failed to record exchange", "error", res.Err)
		JSON(w, http.StatusInternalServerError, Response{Response: res.Text, Error: msgStoreUnavailable})
	case errors.Is(res.Err, domain.ErrUpstreamTimeout):
		JSON(w, http.StatusInternalServerError, Response{Response: res.Text, Fallback: true, Error: msgTooSlow})
	case errors.Is(res.Err, domain.ErrUpstreamEmptyResult):
		JSON(w, http.StatusOK, Response{Response: res.Text, Fallback: true})
	default:
		JSON(w, http.StatusInternalServerError, Response{Response: res.Text, Fallback: true, Error: msgGenerateFailed})
	}
}

// FetchTTS returns MP3 audio for the given text.
func (h *RelayHandler) FetchTTS(w http.ResponseWriter, r *http.Request) {
	var req SpeechRequest
	if err := decode(w, r, h.validate, &req); err != nil {
		writeRequestError(w, err)
		return
	}

	audio, err := h.speech.Synthesize(r.Context(), req.Text)
	if err != nil {
		h.logger.Error("Speech synthesis exhausted", "chars", len(req.Text), "error", err)
		Error(w, http.StatusInternalServerError, msgSpeechFailed)
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(audio)))
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(audio); err != nil {
		h.logger.Warn("Failed to write audio response", "error", err)
	}
}

// LogArtefactData merges one interaction event into the participant's record.
func (h *RelayHandler) LogArtefactData(w http.ResponseWriter, r *http.Request) {
	var req LogRequest
	if err := decode(w, r, h.validate, &req); err != nil {
		writeRequestError(w, err)
		return
	}
	pid, ok := identity.NormalizeParticipantID(req.ParticipantID)
	if !ok {
		Error(w, http.StatusBadRequest, msgInvalidID)
		return
	}

	_, err := h.sessions.UpsertInteraction(r.Context(), domain.InteractionDelta{
		ParticipantID:    pid,
		Artefact:         req.Artefact,
		DescriptionType:  req.DescriptionType,
		Profile:          req.Profile,
		DeliveryMode:     req.DeliveryMode,
		PlayedAudio:      bool(*req.PlayedAudio),
		TimeSpentSeconds: float64(req.TimeSpentSeconds),
		TellMeMoreClicks: int64(req.TellMeMoreClicked),
	})
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			Error(w, http.StatusBadRequest, verr.Error())
			return
		}
		h.logger.Error("Failed to log artefact data", "participant_id", pid, "artefact", req.Artefact, "error", err)
		Error(w, http.StatusInternalServerError, msgStoreUnavailable)
		return
	}

	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
