// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/artefact-relay/internal/domain"
)

// Repository defines the interface for persisting participant sessions and
// artefact interactions. Every failure of the backing store is reported as an
// error wrapping domain.ErrStoreUnavailable.
type Repository interface {
	// EnsureSession inserts an empty session row for the participant if none
	// exists and returns the stored row (without messages).
	EnsureSession(ctx context.Context, participantID string) (*domain.ParticipantSession, error)

	// GetSession retrieves a session with its ordered messages, or nil if absent.
	GetSession(ctx context.Context, participantID string) (*domain.ParticipantSession, error)

	// SetConversationHandle stores handle only if the session has none yet and
	// returns whichever handle is stored afterwards.
	SetConversationHandle(ctx context.Context, participantID string, handle domain.ConversationHandle) (domain.ConversationHandle, error)

	// AppendMessages appends messages to a participant's history in one
	// transaction. Sequence numbers are assigned in the order given.
	AppendMessages(ctx context.Context, participantID string, msgs []domain.Message) error

	// GetInteraction retrieves the interaction for (participant, artefact), or nil if absent.
	GetInteraction(ctx context.Context, participantID, artefact string) (*domain.ArtefactInteraction, error)

	// UpsertInteraction merges delta into the stored interaction and returns the result.
	UpsertInteraction(ctx context.Context, delta domain.InteractionDelta) (*domain.ArtefactInteraction, error)

	// ListSessions returns one summary per stored session.
	ListSessions(ctx context.Context) ([]domain.SessionSummary, error)

	// Export returns every stored session with messages and every interaction.
	Export(ctx context.Context) (*domain.Export, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
