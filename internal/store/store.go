// Package store persists finalized session reports.
//
// Two backends are supported: PostgreSQL (pgx) for shared deployments and
// SQLite (modernc) for a local file. Open picks one from the connection URL.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/andresmejia3/bestframe/internal/session"
)

// ErrNotFound is returned when a session id does not exist.
var ErrNotFound = errors.New("session not found")

// SessionRecord is one stored session.
type SessionRecord struct {
	ID             string
	SourcePath     string
	Label          string
	TotalIngested  int
	NoFaceCount    int
	MalformedCount int
	BestScore      *float64
	FrameCount     int
	CreatedAt      time.Time
}

// ReportStore is implemented by both backends.
type ReportStore interface {
	// SaveReport stores r under its session id. Saving the same id again
	// replaces the previous frames.
	SaveReport(ctx context.Context, sourcePath string, r *session.Report) error
	ListSessions(ctx context.Context) ([]SessionRecord, error)
	SessionFrames(ctx context.Context, id string) ([]session.FrameRecord, error)
	LabelSession(ctx context.Context, id, label string) error
	// Reset drops all tables.
	Reset(ctx context.Context) error
	Close(ctx context.Context)
}

// Open connects to the store described by url. "sqlite://path" and paths
// ending in .db select SQLite; anything else is handed to pgx.
func Open(ctx context.Context, url string) (ReportStore, error) {
	if path, ok := sqlitePath(url); ok {
		return NewSQLite(ctx, path)
	}
	return NewPostgres(ctx, url)
}

func sqlitePath(url string) (string, bool) {
	if p, ok := strings.CutPrefix(url, "sqlite://"); ok {
		return p, true
	}
	if strings.HasSuffix(url, ".db") || url == ":memory:" {
		return url, true
	}
	return "", false
}
