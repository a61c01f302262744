package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/koscakluka/ema-classroom/core/conversations"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Store) BeginSession(ctx context.Context, session conversations.Session) error {
	startedAt := session.CreatedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, started_at, is_active)
		VALUES ($1, $2, TRUE)
		ON CONFLICT (id) DO UPDATE SET is_active = TRUE, ended_at = NULL
	`, session.ID, startedAt)
	if err != nil {
		return fmt.Errorf("begin session: %w", err)
	}
	return nil
}

func (s *Store) EndSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET is_active = FALSE, ended_at = $2 WHERE id = $1`,
		sessionID, endedAt,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

func (s *Store) AppendTranscript(ctx context.Context, sessionID string, turnSequence uint64, role conversations.Role, text string, timestamp time.Time) error {
	return s.AppendSegment(ctx, conversations.TranscriptSegment{
		SessionID:    sessionID,
		TurnSequence: turnSequence,
		Role:         role,
		Text:         text,
		Timestamp:    timestamp,
		Source:       conversations.SourceSlowPath,
	})
}

// AppendSegment inserts a segment. Writing the same text for a stored turn
// again is a no-op; different text is ErrSegmentConflict.
func (s *Store) AppendSegment(ctx context.Context, segment conversations.TranscriptSegment) error {
	source := segment.Source
	if source == "" {
		source = conversations.SourceSlowPath
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO transcript_segments (session_id, turn_sequence, role, text, source, duration_ms, spoken_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id, turn_sequence) DO NOTHING
	`, segment.SessionID, int64(segment.TurnSequence), string(segment.Role), segment.Text, string(source), segment.DurationMs, segment.Timestamp)
	if err != nil {
		return fmt.Errorf("insert transcript segment: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var stored string
	err = s.pool.QueryRow(ctx,
		`SELECT text FROM transcript_segments WHERE session_id = $1 AND turn_sequence = $2`,
		segment.SessionID, int64(segment.TurnSequence),
	).Scan(&stored)
	if err != nil {
		return fmt.Errorf("query stored transcript segment: %w", err)
	}
	if stored != segment.Text {
		return fmt.Errorf("%w: session %s turn %d", ErrSegmentConflict, segment.SessionID, segment.TurnSequence)
	}
	slog.Debug("transcript segment already stored", "session_id", segment.SessionID, "turn_sequence", segment.TurnSequence)
	return nil
}

func (s *Store) MarkIncomplete(ctx context.Context, sessionID string, turnSequence uint64, reason string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO incomplete_turns (session_id, turn_sequence, reason)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id, turn_sequence) DO UPDATE SET reason = EXCLUDED.reason, recorded_at = now()
	`, sessionID, int64(turnSequence), reason)
	if err != nil {
		return fmt.Errorf("mark turn incomplete: %w", err)
	}
	return nil
}

func (s *Store) RecordPersona(ctx context.Context, sessionID string, turnSequence uint64, persona string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO persona_transitions (session_id, turn_sequence, persona, transitioned_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id, turn_sequence) DO UPDATE SET persona = EXCLUDED.persona
	`, sessionID, int64(turnSequence), persona, at)
	if err != nil {
		return fmt.Errorf("record persona: %w", err)
	}
	return nil
}

func (s *Store) NextSequence(ctx context.Context, sessionID string) (uint64, error) {
	var next int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(turn_sequence) + 1, 0) FROM (
			SELECT turn_sequence FROM transcript_segments WHERE session_id = $1
			UNION ALL
			SELECT turn_sequence FROM incomplete_turns WHERE session_id = $1
			UNION ALL
			SELECT turn_sequence FROM persona_transitions WHERE session_id = $1
		) AS used
	`, sessionID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("query next turn sequence: %w", err)
	}
	return uint64(next), nil
}

func (s *Store) Session(ctx context.Context, sessionID string) (conversations.Session, error) {
	var session conversations.Session
	err := s.pool.QueryRow(ctx,
		`SELECT id, started_at, ended_at, is_active FROM sessions WHERE id = $1`,
		sessionID,
	).Scan(&session.ID, &session.CreatedAt, &session.EndedAt, &session.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return conversations.Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return conversations.Session{}, fmt.Errorf("query session: %w", err)
	}
	return session, nil
}

func (s *Store) Transcript(ctx context.Context, sessionID string) ([]conversations.TranscriptSegment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT turn_sequence, role, text, source, duration_ms, spoken_at
		FROM transcript_segments
		WHERE session_id = $1
		ORDER BY turn_sequence
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}

	segments, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (conversations.TranscriptSegment, error) {
		var (
			sequence     int64
			role, source string
			segment      conversations.TranscriptSegment
		)
		if err := row.Scan(&sequence, &role, &segment.Text, &source, &segment.DurationMs, &segment.Timestamp); err != nil {
			return conversations.TranscriptSegment{}, err
		}
		segment.SessionID = sessionID
		segment.TurnSequence = uint64(sequence)
		segment.Role = conversations.Role(role)
		segment.Source = conversations.Source(source)
		return segment, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	return segments, nil
}

func (s *Store) IncompleteTurns(ctx context.Context, sessionID string) ([]IncompleteTurn, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT turn_sequence, reason, recorded_at
		FROM incomplete_turns
		WHERE session_id = $1
		ORDER BY turn_sequence
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query incomplete turns: %w", err)
	}

	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (IncompleteTurn, error) {
		var (
			sequence int64
			turn     IncompleteTurn
		)
		if err := row.Scan(&sequence, &turn.Reason, &turn.RecordedAt); err != nil {
			return IncompleteTurn{}, err
		}
		turn.SessionID = sessionID
		turn.TurnSequence = uint64(sequence)
		return turn, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan incomplete turns: %w", err)
	}
	return turns, nil
}

func (s *Store) PersonaTransitions(ctx context.Context, sessionID string) ([]PersonaTransition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT turn_sequence, persona, transitioned_at
		FROM persona_transitions
		WHERE session_id = $1
		ORDER BY turn_sequence
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query persona transitions: %w", err)
	}

	transitions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (PersonaTransition, error) {
		var (
			sequence   int64
			transition PersonaTransition
		)
		if err := row.Scan(&sequence, &transition.Persona, &transition.At); err != nil {
			return PersonaTransition{}, err
		}
		transition.SessionID = sessionID
		transition.TurnSequence = uint64(sequence)
		return transition, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan persona transitions: %w", err)
	}
	return transitions, nil
}
