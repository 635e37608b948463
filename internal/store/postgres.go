package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/abenezer101/Loanie/internal/failures"
	"github.com/abenezer101/Loanie/internal/models"
)

// Postgres wraps pgxpool for the durable job tier.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{pool: pool, logger: logger}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate applies embedded migrations not yet recorded in schema_migrations.
func (s *Postgres) Migrate(ctx context.Context) error {
	migrations, err := loadMigrations("postgres")
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	for _, m := range migrations {
		var applied bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)`, m.name).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", m.name, err)
		}
		if applied {
			continue
		}
		if _, err := s.pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", m.name, err)
		}
		if _, err := s.pool.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, m.name); err != nil {
			return fmt.Errorf("record migration %s: %w", m.name, err)
		}
		s.logger.Info("applied migration", "name", m.name)
	}
	return nil
}

// UpsertJob inserts the job row or overlays it onto an existing one. A
// terminal status already stored is kept and progress never decreases.
func (s *Postgres) UpsertJob(ctx context.Context, job models.RenderJob) error {
	md, err := encodeMetadata(job.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO videos (id, manifest_id, status, progress, progress_label, video_url, storage_metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			manifest_id = COALESCE(EXCLUDED.manifest_id, videos.manifest_id),
			status = CASE WHEN videos.status IN ('completed', 'failed') THEN videos.status ELSE EXCLUDED.status END,
			progress = GREATEST(videos.progress, EXCLUDED.progress),
			progress_label = EXCLUDED.progress_label,
			video_url = COALESCE(EXCLUDED.video_url, videos.video_url),
			storage_metadata = COALESCE(EXCLUDED.storage_metadata, videos.storage_metadata),
			updated_at = EXCLUDED.updated_at
	`, job.ID, job.ManifestID, string(job.Status), job.Progress, job.ProgressLabel, job.VideoURL, md, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert video %s: %w", job.ID, err)
	}
	return nil
}

// UpdateJob writes the non-nil fields of patch. It returns
// failures.ErrNotFound when no row exists for id.
func (s *Postgres) UpdateJob(ctx context.Context, id string, patch models.JobPatch) error {
	md, err := encodeMetadata(patch.Metadata)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE videos SET
			status = CASE WHEN status IN ('completed', 'failed') THEN status ELSE COALESCE($2, status) END,
			progress = GREATEST(progress, COALESCE($3, progress)),
			progress_label = COALESCE($4, progress_label),
			video_url = COALESCE($5, video_url),
			storage_metadata = COALESCE($6, storage_metadata),
			updated_at = NOW()
		WHERE id = $1
	`, id, statusPtr(patch.Status), patch.Progress, patch.ProgressLabel, patch.VideoURL, md)
	if err != nil {
		return fmt.Errorf("update video %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return failures.Wrap(failures.ErrNotFound, "store", "update video", id, nil)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.RenderJob, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, manifest_id, status, progress, progress_label, video_url, storage_metadata, created_at, updated_at
		FROM videos WHERE id = $1
	`, id)

	var (
		job        models.RenderJob
		status     string
		manifestID pgtype.Text
		videoURL   pgtype.Text
		md         []byte
	)
	if err := row.Scan(&job.ID, &manifestID, &status, &job.Progress, &job.ProgressLabel, &videoURL, &md, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.RenderJob{}, failures.Wrap(failures.ErrNotFound, "store", "get video", id, nil)
		}
		return models.RenderJob{}, fmt.Errorf("scan video: %w", err)
	}
	job.Status = models.Status(status)
	job.ManifestID = textPtr(manifestID)
	job.VideoURL = textPtr(videoURL)
	metadata, err := decodeMetadata(md)
	if err != nil {
		return models.RenderJob{}, err
	}
	job.Metadata = metadata
	return job, nil
}

// SyncArtifact projects render state onto the artifact reached through the
// manifest's analysis. A manifest without a row is a no-op.
func (s *Postgres) SyncArtifact(ctx context.Context, manifestID, videoStatus string, videoURL *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE artifacts SET
			video_status = $2,
			video_url = COALESCE($3, video_url),
			updated_at = NOW()
		WHERE analysis_id = (SELECT analysis_id FROM video_manifests WHERE id = $1)
	`, manifestID, videoStatus, videoURL)
	if err != nil {
		return fmt.Errorf("sync artifact for manifest %s: %w", manifestID, err)
	}
	return nil
}

// FailInterrupted marks rows left processing by a previous process as failed.
func (s *Postgres) FailInterrupted(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE videos SET status = 'failed', progress_label = $1, updated_at = NOW()
		WHERE status = 'processing'
	`, interruptedLabel)
	if err != nil {
		return 0, fmt.Errorf("fail interrupted videos: %w", err)
	}
	return tag.RowsAffected(), nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
