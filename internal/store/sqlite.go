package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/andresmejia3/bestframe/internal/session"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
	PRAGMA foreign_keys = ON;
	CREATE TABLE IF NOT EXISTS capture_sessions (
		id TEXT PRIMARY KEY,
		source_path TEXT NOT NULL DEFAULT '',
		label TEXT NOT NULL DEFAULT '',
		total_ingested INTEGER NOT NULL,
		no_face_count INTEGER NOT NULL,
		malformed_count INTEGER NOT NULL,
		best_score REAL,
		created_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS session_frames (
		session_id TEXT NOT NULL REFERENCES capture_sessions(id) ON DELETE CASCADE,
		rank INTEGER NOT NULL,
		score REAL NOT NULL,
		pitch REAL NOT NULL,
		yaw REAL NOT NULL,
		roll REAL NOT NULL,
		sequence_index INTEGER NOT NULL,
		PRIMARY KEY (session_id, rank)
	);
`

// SQLite stores reports in a local database file.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps :memory: databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close(ctx context.Context) {
	s.db.Close()
}

func (s *SQLite) SaveReport(ctx context.Context, sourcePath string, r *session.Report) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	md := r.Metadata
	var best sql.NullFloat64
	if md.BestScore != nil {
		best = sql.NullFloat64{Float64: *md.BestScore, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO capture_sessions (id, source_path, total_ingested, no_face_count, malformed_count, best_score, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			source_path = excluded.source_path,
			total_ingested = excluded.total_ingested,
			no_face_count = excluded.no_face_count,
			malformed_count = excluded.malformed_count,
			best_score = excluded.best_score,
			created_at = excluded.created_at
	`, md.SessionID, sourcePath, md.TotalIngested, md.NoFaceCount, md.MalformedCount, best, time.Now().UnixNano())
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM session_frames WHERE session_id = ?", md.SessionID); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO session_frames (session_id, rank, score, pitch, yaw, roll, sequence_index)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, f := range r.Records() {
		if _, err := stmt.ExecContext(ctx, md.SessionID, f.Rank, f.Score, f.Pitch, f.Yaw, f.Roll, f.SequenceIndex); err != nil {
			return fmt.Errorf("failed to insert frame %d: %w", f.SequenceIndex, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
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
		var (
			r       SessionRecord
			best    sql.NullFloat64
			created int64
		)
		if err := rows.Scan(&r.ID, &r.SourcePath, &r.Label, &r.TotalIngested, &r.NoFaceCount,
			&r.MalformedCount, &best, &r.FrameCount, &created); err != nil {
			return nil, err
		}
		if best.Valid {
			r.BestScore = &best.Float64
		}
		r.CreatedAt = time.Unix(0, created)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) SessionFrames(ctx context.Context, id string) ([]session.FrameRecord, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM capture_sessions WHERE id = ?", id).Scan(&n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT rank, score, pitch, yaw, roll, sequence_index
		FROM session_frames WHERE session_id = ? ORDER BY rank
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

func (s *SQLite) LabelSession(ctx context.Context, id, label string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE capture_sessions SET label = ? WHERE id = ?", label, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLite) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		DROP TABLE IF EXISTS session_frames;
		DROP TABLE IF EXISTS capture_sessions;
	`); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}
