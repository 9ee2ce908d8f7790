package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/artefact-relay/internal/domain"
	"github.com/ashureev/artefact-relay/internal/shared"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	busyMaxRetries = 3
	busyBaseDelay  = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writers to avoid SQLITE_BUSY under request bursts
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers; immediate transactions take the write lock up front.
	dsn := "file:" + dbPath +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS participant_sessions (
		participant_id TEXT PRIMARY KEY,
		conversation_handle TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS session_messages (
		id TEXT PRIMARY KEY,
		participant_id TEXT NOT NULL REFERENCES participant_sessions(participant_id),
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (participant_id, seq)
	);

	CREATE TABLE IF NOT EXISTS artefact_interactions (
		participant_id TEXT NOT NULL,
		artefact TEXT NOT NULL,
		description_type TEXT NOT NULL DEFAULT '',
		profile TEXT NOT NULL DEFAULT '',
		delivery_mode TEXT NOT NULL DEFAULT '',
		time_spent_seconds REAL NOT NULL DEFAULT 0,
		tell_me_more_clicks INTEGER NOT NULL DEFAULT 0,
		played_audio INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (participant_id, artefact)
	);
	CREATE INDEX IF NOT EXISTS idx_interactions_updated ON artefact_interactions(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
}

// withBusyRetry runs fn under the write lock, retrying SQLITE_BUSY and
// "database is locked" failures with exponential backoff.
func (s *SQLiteStore) withBusyRetry(ctx context.Context, op string, fn func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var err error
	for i := 0; i < busyMaxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == busyMaxRetries-1 {
			break
		}

		delay := busyBaseDelay * time.Duration(1<<i)
		slog.Debug("SQLite busy, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return unavailable(op, ctx.Err())
		case <-time.After(delay):
		}
	}
	return unavailable(op, err)
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

const ensureSessionSQL = `
	INSERT INTO participant_sessions (participant_id, conversation_handle, created_at, updated_at)
	VALUES (?, NULL, ?, ?)
	ON CONFLICT(participant_id) DO NOTHING`

// EnsureSession inserts an empty session row if absent and returns the stored row.
func (s *SQLiteStore) EnsureSession(ctx context.Context, participantID string) (*domain.ParticipantSession, error) {
	now := time.Now().Unix()
	err := s.withBusyRetry(ctx, "ensure session", func() error {
		_, err := s.db.ExecContext(ctx, ensureSessionSQL, participantID, now, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	session, err := s.getSessionRow(ctx, participantID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, unavailable("ensure session", fmt.Errorf("session %q missing after insert", participantID))
	}
	return session, nil
}

func (s *SQLiteStore) getSessionRow(ctx context.Context, participantID string) (*domain.ParticipantSession, error) {
	query := `
		SELECT participant_id, conversation_handle, created_at, updated_at
		FROM participant_sessions WHERE participant_id = ?`

	var session domain.ParticipantSession
	var handle sql.NullString
	var createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, participantID).Scan(
		&session.ParticipantID, &handle, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("scan session row", err)
	}

	session.ConversationHandle = domain.ConversationHandle(handle.String)
	session.CreatedAt = time.Unix(createdAt, 0)
	session.UpdatedAt = time.Unix(updatedAt, 0)
	return &session, nil
}

// GetSession retrieves a session with its ordered messages.
func (s *SQLiteStore) GetSession(ctx context.Context, participantID string) (*domain.ParticipantSession, error) {
	session, err := s.getSessionRow(ctx, participantID)
	if err != nil || session == nil {
		return session, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, role, text, created_at
		FROM session_messages WHERE participant_id = ? ORDER BY seq`, participantID)
	if err != nil {
		return nil, unavailable("query messages", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		session.Messages = append(session.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate messages", err)
	}

	return session, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner, extra ...any) (domain.Message, error) {
	var msg domain.Message
	var role string
	var createdAt int64
	dest := append([]any{&msg.ID, &msg.Seq, &role, &msg.Text, &createdAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return msg, unavailable("scan message", err)
	}
	msg.Role = domain.Role(role)
	msg.CreatedAt = time.Unix(createdAt, 0)
	return msg, nil
}

// SetConversationHandle performs a compare-and-set from "no handle" to handle.
func (s *SQLiteStore) SetConversationHandle(ctx context.Context, participantID string, handle domain.ConversationHandle) (domain.ConversationHandle, error) {
	query := `
		UPDATE participant_sessions SET conversation_handle = ?, updated_at = ?
		WHERE participant_id = ? AND (conversation_handle IS NULL OR conversation_handle = '')`

	var rows int64
	err := s.withBusyRetry(ctx, "set conversation handle", func() error {
		result, err := s.db.ExecContext(ctx, query, string(handle), time.Now().Unix(), participantID)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return "", err
	}
	if rows == 0 {
		slog.Debug("Conversation handle already set", "participant_id", participantID)
	}

	session, err := s.getSessionRow(ctx, participantID)
	if err != nil {
		return "", err
	}
	if session == nil || !session.HasConversation() {
		return "", unavailable("set conversation handle", fmt.Errorf("session %q not found", participantID))
	}
	return session.ConversationHandle, nil
}

// AppendMessages appends msgs after the participant's current last message.
func (s *SQLiteStore) AppendMessages(ctx context.Context, participantID string, msgs []domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	return s.withBusyRetry(ctx, "append messages", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("failed to roll back append", "error", rbErr)
			}
		}()

		now := time.Now().Unix()
		if _, err := tx.ExecContext(ctx, ensureSessionSQL, participantID, now, now); err != nil {
			return err
		}

		var last int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM session_messages WHERE participant_id = ?`,
			participantID,
		).Scan(&last); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO session_messages (id, participant_id, seq, role, text, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		for i, msg := range msgs {
			createdAt := msg.CreatedAt
			if createdAt.IsZero() {
				createdAt = time.Now()
			}
			if _, err := stmt.ExecContext(ctx,
				uuid.NewString(), participantID, last+int64(i)+1,
				string(msg.Role), msg.Text, createdAt.Unix(),
			); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE participant_sessions SET updated_at = ? WHERE participant_id = ?`,
			now, participantID,
		); err != nil {
			return err
		}

		return tx.Commit()
	})
}

const interactionColumns = `participant_id, artefact, description_type, profile, delivery_mode,
	time_spent_seconds, tell_me_more_clicks, played_audio, created_at, updated_at`

func scanInteraction(row scanner) (*domain.ArtefactInteraction, error) {
	var it domain.ArtefactInteraction
	var createdAt, updatedAt int64
	if err := row.Scan(
		&it.ParticipantID, &it.Artefact, &it.DescriptionType, &it.Profile, &it.DeliveryMode,
		&it.TimeSpentSeconds, &it.TellMeMoreClicks, &it.PlayedAudio, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	it.CreatedAt = time.Unix(createdAt, 0)
	it.UpdatedAt = time.Unix(updatedAt, 0)
	return &it, nil
}

// GetInteraction retrieves the interaction for (participant, artefact).
func (s *SQLiteStore) GetInteraction(ctx context.Context, participantID, artefact string) (*domain.ArtefactInteraction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+interactionColumns+` FROM artefact_interactions WHERE participant_id = ? AND artefact = ?`,
		participantID, artefact)

	it, err := scanInteraction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("scan interaction", err)
	}
	return it, nil
}

// UpsertInteraction sums cumulative fields and overwrites point-in-time fields.
func (s *SQLiteStore) UpsertInteraction(ctx context.Context, delta domain.InteractionDelta) (*domain.ArtefactInteraction, error) {
	delta.Normalize()

	query := `
	INSERT INTO artefact_interactions (` + interactionColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(participant_id, artefact) DO UPDATE SET
		description_type = excluded.description_type,
		profile = excluded.profile,
		delivery_mode = excluded.delivery_mode,
		played_audio = excluded.played_audio,
		time_spent_seconds = artefact_interactions.time_spent_seconds + excluded.time_spent_seconds,
		tell_me_more_clicks = artefact_interactions.tell_me_more_clicks + excluded.tell_me_more_clicks,
		updated_at = excluded.updated_at`

	at := delta.At.Unix()
	err := s.withBusyRetry(ctx, "upsert interaction", func() error {
		_, err := s.db.ExecContext(ctx, query,
			delta.ParticipantID, delta.Artefact, delta.DescriptionType, delta.Profile, delta.DeliveryMode,
			delta.TimeSpentSeconds, delta.TellMeMoreClicks, delta.PlayedAudio, at, at,
		)
		return err
	})
	if err != nil {
		return nil, err
	}

	return s.GetInteraction(ctx, delta.ParticipantID, delta.Artefact)
}

// ListSessions returns one summary per stored session, oldest first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]domain.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.participant_id, COUNT(m.id), p.created_at, p.updated_at
		FROM participant_sessions p
		LEFT JOIN session_messages m ON m.participant_id = p.participant_id
		GROUP BY p.participant_id
		ORDER BY p.created_at, p.participant_id`)
	if err != nil {
		return nil, unavailable("list sessions", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	summaries := []domain.SessionSummary{}
	for rows.Next() {
		var sum domain.SessionSummary
		var createdAt, updatedAt int64
		if err := rows.Scan(&sum.ParticipantID, &sum.MessageCount, &createdAt, &updatedAt); err != nil {
			return nil, unavailable("scan session summary", err)
		}
		sum.CreatedAt = time.Unix(createdAt, 0)
		sum.UpdatedAt = time.Unix(updatedAt, 0)
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate sessions", err)
	}
	return summaries, nil
}

// Export dumps all sessions, messages and interactions.
func (s *SQLiteStore) Export(ctx context.Context) (*domain.Export, error) {
	out := &domain.Export{
		GeneratedAt:  time.Now().UTC(),
		Sessions:     []domain.ParticipantSession{},
		Interactions: []domain.ArtefactInteraction{},
	}

	summaries, err := s.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	index := make(map[string]int, len(summaries))
	for _, sum := range summaries {
		session, err := s.getSessionRow(ctx, sum.ParticipantID)
		if err != nil {
			return nil, err
		}
		if session == nil {
			continue
		}
		index[session.ParticipantID] = len(out.Sessions)
		out.Sessions = append(out.Sessions, *session)
	}

	if err := s.exportMessages(ctx, out, index); err != nil {
		return nil, err
	}
	if err := s.exportInteractions(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) exportMessages(ctx context.Context, out *domain.Export, index map[string]int) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, role, text, created_at, participant_id
		FROM session_messages ORDER BY participant_id, seq`)
	if err != nil {
		return unavailable("export messages", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var participantID string
		msg, err := scanMessage(rows, &participantID)
		if err != nil {
			return err
		}
		if i, ok := index[participantID]; ok {
			out.Sessions[i].Messages = append(out.Sessions[i].Messages, msg)
		}
	}
	if err := rows.Err(); err != nil {
		return unavailable("iterate exported messages", err)
	}
	return nil
}

func (s *SQLiteStore) exportInteractions(ctx context.Context, out *domain.Export) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+interactionColumns+` FROM artefact_interactions ORDER BY participant_id, artefact`)
	if err != nil {
		return unavailable("export interactions", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		it, err := scanInteraction(rows)
		if err != nil {
			return unavailable("scan exported interaction", err)
		}
		out.Interactions = append(out.Interactions, *it)
	}
	if err := rows.Err(); err != nil {
		return unavailable("iterate exported interactions", err)
	}
	return nil
}

var _ Repository = (*SQLiteStore)(nil)
