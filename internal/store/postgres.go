package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/andresmejia3/bestframe/internal/session"
	"github.com/jackc/pgx/v5"
)

// Postgres manages the PostgreSQL connection.
type Postgres struct {
	conn *pgx.Conn
}

// NewPostgres establishes a connection to the database and ensures the schema is initialized.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initPostgresSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Postgres{conn: conn}, nil
}

func initPostgresSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS capture_sessions (
			id TEXT PRIMARY KEY,
			source_path TEXT NOT NULL DEFAULT '',
			label TEXT NOT NULL DEFAULT '',
			total_ingested INT NOT NULL,
			no_face_count INT NOT NULL,
			malformed_count INT NOT NULL,
			best_score DOUBLE PRECISION,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS session_frames (
			session_id TEXT NOT NULL REFERENCES capture_sessions(id) ON DELETE CASCADE,
			rank INT NOT NULL,
			score DOUBLE PRECISION NOT NULL,
			pitch DOUBLE PRECISION NOT NULL,
			yaw DOUBLE PRECISION NOT NULL,
			roll DOUBLE PRECISION NOT NULL,
			sequence_index BIGINT NOT NULL,
			PRIMARY KEY (session_id, rank)
		);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Postgres) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// SaveReport writes the session row and replaces its frames in one transaction.
func (s *Postgres) SaveReport(ctx context.Context, sourcePath string, r *session.Report) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	md := r.Metadata
	_, err = tx.Exec(ctx, `
		INSERT INTO capture_sessions (id, source_path, total_ingested, no_face_count, malformed_count, best_score, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			source_path = EXCLUDED.source_path,
			total_ingested = EXCLUDED.total_ingested,
			no_face_count = EXCLUDED.no_face_count,
			malformed_count = EXCLUDED.malformed_count,
			best_score = EXCLUDED.best_score,
			created_at = NOW()
	`, md.SessionID, sourcePath, md.TotalIngested, md.NoFaceCount, md.MalformedCount, md.BestScore)
	if err != nil {
		return err
	}

	// Clean up old frames so a re-scan does not leave stale ranks behind
	if _, err := tx.Exec(ctx, "DELETE FROM session_frames WHERE session_id = $1", md.SessionID); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, f := range r.Records() {
		batch.Queue(`
			INSERT INTO session_frames (session_id, rank, score, pitch, yaw, roll, sequence_index)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, md.SessionID, f.Rank, f.Score, f.Pitch, f.Yaw, f.Roll, f.SequenceIndex)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// ListSessions returns every stored session, newest first.
func (s *Postgres) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT s.id, s.source_path, s.label, s.total_ingested, s.no_face_count, s.malformed_count,
			s.best_score, COUNT(f.rank), s.created_at
		FROM capture_sessions s
		LEFT JOIN session_frames f ON f.session_id = s.id
		GROUP BY s.id
		ORDER BY s.created_at DESC, s.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var r SessionRecord
		if err := rows.Scan(&r.ID, &r.SourcePath, &r.Label, &r.TotalIngested, &r.NoFaceCount,
			&r.MalformedCount, &r.BestScore, &r.FrameCount, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SessionFrames returns the ranked frames of one session.
func (s *Postgres) SessionFrames(ctx context.Context, id string) ([]session.FrameRecord, error) {
	var exists bool
	if err := s.conn.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM capture_sessions WHERE id = $1)", id).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	rows, err := s.conn.Query(ctx, `
		SELECT rank, score, pitch, yaw, roll, sequence_index
		FROM session_frames WHERE session_id = $1 ORDER BY rank
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []session.FrameRecord{}
	for rows.Next() {
		var f session.FrameRecord
		if err := rows.Scan(&f.Rank, &f.Score, &f.Pitch, &f.Yaw, &f.Roll, &f.SequenceIndex); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// LabelSession attaches a human readable label to a session.
func (s *Postgres) LabelSession(ctx context.Context, id, label string) error {
	tag, err := s.conn.Exec(ctx, "UPDATE capture_sessions SET label = $1 WHERE id = $2", label, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Postgres) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS session_frames CASCADE;
		DROP TABLE IF EXISTS capture_sessions CASCADE;
	`)
	if err != nil {
		return err
	}
	return initPostgresSchema(ctx, s.conn)
}

// IsNotFound reports whether err means the session does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, pgx.ErrNoRows)
}
