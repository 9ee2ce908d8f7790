// Package session resolves participants to their remote conversations and
// records what happens in them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"

	"github.com/ashureev/artefact-relay/internal/domain"
	"github.com/ashureev/artefact-relay/internal/metrics"
	"github.com/ashureev/artefact-relay/internal/store"
)

// DefaultCacheSize bounds the in-process handle cache.
const DefaultCacheSize = 4096

// ConversationCreator opens new conversations on the remote service.
type ConversationCreator interface {
	CreateConversation(ctx context.Context) (domain.ConversationHandle, error)
}

// Service is the Session Store. The repository is the source of truth; the
// handle cache only ever holds values read back from it.
type Service struct {
	repo    store.Repository
	creator ConversationCreator
	group   singleflight.Group
	handles *lru.Cache
	now     func() time.Time
	logger  *slog.Logger
}

// NewService creates a session service. cacheSize <= 0 selects DefaultCacheSize.
func NewService(repo store.Repository, creator ConversationCreator, cacheSize int, logger *slog.Logger) (*Service, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create handle cache: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:    repo,
		creator: creator,
		handles: cache,
		now:     time.Now,
		logger:  logger,
	}, nil
}

// GetOrCreate returns the participant's conversation handle, creating the
// session and the remote conversation on first use. Concurrent callers for
// the same participant observe the same handle.
func (s *Service) GetOrCreate(ctx context.Context, participantID string) (domain.ConversationHandle, error) {
	if v, ok := s.handles.Get(participantID); ok {
		return v.(domain.ConversationHandle), nil
	}

	// The shared call outlives any single caller's cancellation so that a
	// disconnecting client cannot fail the other waiters.
	ch := s.group.DoChan(participantID, func() (any, error) {
		return s.resolve(context.WithoutCancel(ctx), participantID)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(domain.ConversationHandle), nil
	}
}

func (s *Service) resolve(ctx context.Context, participantID string) (domain.ConversationHandle, error) {
	sess, err := s.repo.EnsureSession(ctx, participantID)
	if err != nil {
		return "", fmt.Errorf("ensure session: %w", err)
	}
	if sess.HasConversation() {
		s.handles.Add(participantID, sess.ConversationHandle)
		return sess.ConversationHandle, nil
	}

	created, err := s.creator.CreateConversation(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrUpstreamCreateFailed, err)
	}
	if strings.TrimSpace(string(created)) == "" {
		return "", fmt.Errorf("%w: empty conversation id", domain.ErrUpstreamCreateFailed)
	}

	stored, err := s.repo.SetConversationHandle(ctx, participantID, created)
	if err != nil {
		return "", fmt.Errorf("store conversation handle: %w", err)
	}

	if stored != created {
		metrics.ConversationsCreated.WithLabelValues("discarded").Inc()
		s.logger.Info("Discarding conversation created by losing writer",
			"participant_id", participantID,
			"discarded", created,
			"kept", stored)
	} else {
		metrics.ConversationsCreated.WithLabelValues("kept").Inc()
		s.logger.Info("Conversation created", "participant_id", participantID, "handle", stored)
	}

	s.handles.Add(participantID, stored)
	return stored, nil
}

// AppendExchange records one prompt and its reply as two adjacent messages.
func (s *Service) AppendExchange(ctx context.Context, participantID, prompt, reply string) error {
	now := s.now()
	msgs := []domain.Message{
		{Role: domain.RoleUser, Text: prompt, CreatedAt: now},
		{Role: domain.RoleAssistant, Text: reply, CreatedAt: now},
	}
	if err := s.repo.AppendMessages(ctx, participantID, msgs); err != nil {
		return fmt.Errorf("append exchange: %w", err)
	}
	return nil
}

// FindInteraction returns the stored interaction, or nil when none exists.
func (s *Service) FindInteraction(ctx context.Context, participantID, artefact string) (*domain.ArtefactInteraction, error) {
	return s.repo.GetInteraction(ctx, participantID, artefact)
}

// UpsertInteraction merges delta into the participant's record for the artefact.
func (s *Service) UpsertInteraction(ctx context.Context, delta domain.InteractionDelta) (*domain.ArtefactInteraction, error) {
	if delta.ParticipantID == "" || delta.Artefact == "" {
		return nil, &domain.ValidationError{Fields: missing(delta)}
	}
	delta.Normalize()
	return s.repo.UpsertInteraction(ctx, delta)
}

func missing(d domain.InteractionDelta) []string {
	var fields []string
	if d.ParticipantID == "" {
		fields = append(fields, "participantId")
	}
	if d.Artefact == "" {
		fields = append(fields, "artefact")
	}
	return fields
}

// Session returns the participant's full history, or nil when unknown.
func (s *Service) Session(ctx context.Context, participantID string) (*domain.ParticipantSession, error) {
	return s.repo.GetSession(ctx, participantID)
}

// List returns a summary of every stored session.
func (s *Service) List(ctx context.Context) ([]domain.SessionSummary, error) {
	return s.repo.ListSessions(ctx)
}

// Export dumps all sessions and interactions.
func (s *Service) Export(ctx context.Context) (*domain.Export, error) {
	out, err := s.repo.Export(ctx)
	if err != nil {
		return nil, err
	}
	out.GeneratedAt = s.now().UTC()
	return out, nil
}

// IsUnavailable reports whether err came from the backing store.
func IsUnavailable(err error) bool {
	return errors.Is(err, domain.ErrStoreUnavailable)
}
