package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/abenezer101/Loanie/internal/failures"
	"github.com/abenezer101/Loanie/internal/models"
)

// SQLite is the single-node durable tier.
type SQLite struct {
	conn   *sql.DB
	logger *slog.Logger
}

// NewSQLite opens (creating if needed) the database file at dbPath.
func NewSQLite(dbPath string, logger *slog.Logger) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("exec %s: %w", pragma, err)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLite{conn: conn, logger: logger}, nil
}

func (s *SQLite) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
}

// Migrate applies embedded migrations not yet recorded in schema_migrations.
func (s *SQLite) Migrate(ctx context.Context) error {
	migrations, err := loadMigrations("sqlite")
	if err != nil {
		return err
	}
	if _, err := s.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	for _, m := range migrations {
		var n int
		if err := s.conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM schema_migrations WHERE name = ?`, m.name).Scan(&n); err != nil {
			return fmt.Errorf("check migration %s: %w", m.name, err)
		}
		if n > 0 {
			continue
		}
		if _, err := s.conn.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", m.name, err)
		}
		if _, err := s.conn.ExecContext(ctx, `INSERT INTO schema_migrations (name) VALUES (?)`, m.name); err != nil {
			return fmt.Errorf("record migration %s: %w", m.name, err)
		}
		s.logger.Info("applied migration", "name", m.name)
	}
	return nil
}

func (s *SQLite) UpsertJob(ctx context.Context, job models.RenderJob) error {
	md, err := encodeMetadata(job.Metadata)
	if err != nil {
		return err
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO videos (id, manifest_id, status, progress, progress_label, video_url, storage_metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			manifest_id = COALESCE(excluded.manifest_id, videos.manifest_id),
			status = CASE WHEN videos.status IN ('completed', 'failed') THEN videos.status ELSE excluded.status END,
			progress = MAX(videos.progress, excluded.progress),
			progress_label = excluded.progress_label,
			video_url = COALESCE(excluded.video_url, videos.video_url),
			storage_metadata = COALESCE(excluded.storage_metadata, videos.storage_metadata),
			updated_at = excluded.updated_at
	`, job.ID, job.ManifestID, string(job.Status), job.Progress, job.ProgressLabel, job.VideoURL,
		nullableText(md), formatTime(job.CreatedAt), formatTime(job.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert video %s: %w", job.ID, err)
	}
	return nil
}

func (s *SQLite) UpdateJob(ctx context.Context, id string, patch models.JobPatch) error {
	md, err := encodeMetadata(patch.Metadata)
	if err != nil {
		return err
	}
	res, err := s.conn.ExecContext(ctx, `
		UPDATE videos SET
			status = CASE WHEN status IN ('completed', 'failed') THEN status ELSE COALESCE(?, status) END,
			progress = MAX(progress, COALESCE(?, progress)),
			progress_label = COALESCE(?, progress_label),
			video_url = COALESCE(?, video_url),
			storage_metadata = COALESCE(?, storage_metadata),
			updated_at = ?
		WHERE id = ?
	`, statusPtr(patch.Status), patch.Progress, patch.ProgressLabel, patch.VideoURL, nullableText(md),
		formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update video %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update video %s: %w", id, err)
	}
	if n == 0 {
		return failures.Wrap(failures.ErrNotFound, "store", "update video", id, nil)
	}
	return nil
}

func (s *SQLite) GetJob(ctx context.Context, id string) (models.RenderJob, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, manifest_id, status, progress, progress_label, video_url, storage_metadata, created_at, updated_at
		FROM videos WHERE id = ?
	`, id)

	var (
		job                  models.RenderJob
		status               string
		manifestID, videoURL sql.NullString
		md                   sql.NullString
		created, updated     string
	)
	if err := row.Scan(&job.ID, &manifestID, &status, &job.Progress, &job.ProgressLabel, &videoURL, &md, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.RenderJob{}, failures.Wrap(failures.ErrNotFound, "store", "get video", id, nil)
		}
		return models.RenderJob{}, fmt.Errorf("scan video: %w", err)
	}
	job.Status = models.Status(status)
	job.ManifestID = nullStringPtr(manifestID)
	job.VideoURL = nullStringPtr(videoURL)
	if md.Valid {
		metadata, err := decodeMetadata([]byte(md.String))
		if err != nil {
			return models.RenderJob{}, err
		}
		job.Metadata = metadata
	}
	job.CreatedAt = parseTime(created)
	job.UpdatedAt = parseTime(updated)
	return job, nil
}

func (s *SQLite) SyncArtifact(ctx context.Context, manifestID, videoStatus string, videoURL *string) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE artifacts SET
			video_status = ?,
			video_url = COALESCE(?, video_url),
			updated_at = ?
		WHERE analysis_id = (SELECT analysis_id FROM video_manifests WHERE id = ?)
	`, videoStatus, videoURL, formatTime(time.Now()), manifestID)
	if err != nil {
		return fmt.Errorf("sync artifact for manifest %s: %w", manifestID, err)
	}
	return nil
}

func (s *SQLite) FailInterrupted(ctx context.Context) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE videos SET status = 'failed', progress_label = ?, updated_at = ?
		WHERE status = 'processing'
	`, interruptedLabel, formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("fail interrupted videos: %w", err)
	}
	return res.RowsAffected()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullableText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func nullStringPtr(v sql.NullString) *string {
	if v.Valid {
		return &v.String
	}
	return nil
}
