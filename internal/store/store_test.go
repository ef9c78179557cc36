package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/andresmejia3/bestframe/internal/session"
	"github.com/andresmejia3/bestframe/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// buildReport runs a small session: yaws 10, 0, 30 with one no-face frame.
func buildReport(t *testing.T, id string, capacity int) *session.Report {
	t.Helper()
	cfg := session.DefaultConfig()
	cfg.Capacity = capacity
	acc, err := session.New(id, cfg)
	require.NoError(t, err)

	for i, yaw := range []float64{10, 0, 30} {
		_, err := acc.Ingest(types.PoseEstimate{YawRaw: yaw, SequenceIndex: int64(i)}, true)
		require.NoError(t, err)
	}
	_, err = acc.Ingest(types.PoseEstimate{SequenceIndex: 3}, false)
	require.NoError(t, err)

	r, err := acc.Finalize()
	require.NoError(t, err)
	return r
}

func emptyReport(t *testing.T, id string) *session.Report {
	t.Helper()
	acc, err := session.New(id, session.DefaultConfig())
	require.NoError(t, err)
	r, err := acc.Finalize()
	require.NoError(t, err)
	return r
}

// exerciseStore runs the same scenario against any backend.
func exerciseStore(t *testing.T, s ReportStore) {
	ctx := context.Background()

	r := buildReport(t, "sess-a", 2)
	require.NoError(t, s.SaveReport(ctx, "/videos/a.mp4", r))

	frames, err := s.SessionFrames(ctx, "sess-a")
	require.NoError(t, err)
	assert.Equal(t, r.Records(), frames, "stored frames must match the report exactly")
	require.Len(t, frames, 2)
	assert.Equal(t, int64(1), frames[0].SequenceIndex)
	assert.Equal(t, 100.0, frames[0].Score)

	// Re-saving replaces frames instead of duplicating them
	r2 := buildReport(t, "sess-a", 1)
	require.NoError(t, s.SaveReport(ctx, "/videos/a.mp4", r2))
	frames, err = s.SessionFrames(ctx, "sess-a")
	require.NoError(t, err)
	assert.Len(t, frames, 1)

	require.NoError(t, s.SaveReport(ctx, "", emptyReport(t, "sess-empty")))
	frames, err = s.SessionFrames(ctx, "sess-empty")
	require.NoError(t, err)
	assert.Empty(t, frames)

	require.NoError(t, s.LabelSession(ctx, "sess-a", "front door"))
	assert.ErrorIs(t, s.LabelSession(ctx, "missing", "x"), ErrNotFound)

	_, err = s.SessionFrames(ctx, "missing")
	assert.True(t, IsNotFound(err), "got %v", err)

	sessions, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	byID := map[string]SessionRecord{}
	for _, rec := range sessions {
		byID[rec.ID] = rec
	}

	a := byID["sess-a"]
	assert.Equal(t, "front door", a.Label)
	assert.Equal(t, "/videos/a.mp4", a.SourcePath)
	assert.Equal(t, 4, a.TotalIngested)
	assert.Equal(t, 1, a.NoFaceCount)
	assert.Equal(t, 1, a.FrameCount)
	require.NotNil(t, a.BestScore)
	assert.Equal(t, 100.0, *a.BestScore)
	assert.WithinDuration(t, time.Now(), a.CreatedAt, time.Minute)

	e := byID["sess-empty"]
	assert.Nil(t, e.BestScore)
	assert.Equal(t, 0, e.FrameCount)

	require.NoError(t, s.Reset(ctx))
	sessions, err = s.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLite(ctx, filepath.Join(t.TempDir(), "reports.db"))
	require.NoError(t, err)
	defer s.Close(ctx)

	exerciseStore(t, s)
}

func TestOpen_SelectsBackend(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "a.sqlite"))
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, s)
	s.Close(ctx)

	s, err = Open(ctx, filepath.Join(t.TempDir(), "b.db"))
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, s)
	s.Close(ctx)

	for _, url := range []string{"postgres://localhost/x", "host=localhost"} {
		_, ok := sqlitePath(url)
		assert.False(t, ok, url)
	}
}

// TestPostgresStore runs the store scenario against a real Postgres container.
// It requires Docker to be running.
func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Skipf("Docker not available, skipping integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("bestframe_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	s, err := Open(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close(ctx)

	exerciseStore(t, s)
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
