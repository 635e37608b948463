// Package store implements the durable job tier on Postgres or SQLite.
package store

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/abenezer101/Loanie/internal/config"
	"github.com/abenezer101/Loanie/internal/models"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFiles embed.FS

// interruptedLabel is written to rows left processing by a previous process.
const interruptedLabel = "Render Failed"

// Durable is the contract both drivers satisfy.
type Durable interface {
	UpsertJob(ctx context.Context, job models.RenderJob) error
	UpdateJob(ctx context.Context, id string, patch models.JobPatch) error
	GetJob(ctx context.Context, id string) (models.RenderJob, error)
	SyncArtifact(ctx context.Context, manifestID, videoStatus string, videoURL *string) error
	FailInterrupted(ctx context.Context) (int64, error)
	Migrate(ctx context.Context) error
	Close()
}

// Open connects to the driver named in cfg. Migrations are not applied.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (Durable, error) {
	switch cfg.DatabaseDriver {
	case "postgres":
		return NewPostgres(ctx, cfg.PostgresDSN, logger)
	case "sqlite":
		return NewSQLite(cfg.SQLitePath, logger)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.DatabaseDriver)
	}
}

type migration struct {
	name string
	sql  string
}

func loadMigrations(dialect string) ([]migration, error) {
	dir := path.Join("migrations", dialect)
	entries, err := fs.ReadDir(migrationFiles, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []migration
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile(path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		out = append(out, migration{name: e.Name(), sql: sql})
	}
	return out, nil
}

func encodeMetadata(md *models.StorageMetadata) ([]byte, error) {
	if md == nil {
		return nil, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("marshal storage metadata: %w", err)
	}
	return b, nil
}

func decodeMetadata(b []byte) (*models.StorageMetadata, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var md models.StorageMetadata
	if err := json.Unmarshal(b, &md); err != nil {
		return nil, fmt.Errorf("unmarshal storage metadata: %w", err)
	}
	return &md, nil
}

func statusPtr(s *models.Status) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}
