// Package orchestrator runs render jobs: narration synthesis, composition
// rendering, upload and cleanup, reporting progress through the job tracker.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/abenezer101/Loanie/internal/jobstore"
	"github.com/abenezer101/Loanie/internal/logging"
	"github.com/abenezer101/Loanie/internal/manifest"
	"github.com/abenezer101/Loanie/internal/models"
	"github.com/abenezer101/Loanie/internal/render"
	"github.com/abenezer101/Loanie/internal/telemetry"
)

// Synthesizer turns narration text into an audio stream.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (io.ReadCloser, error)
}

// BlobStore is durable blob storage with public URLs.
type BlobStore interface {
	EnsureBucket(ctx context.Context, bucket string) error
	Upload(ctx context.Context, bucket, name string, body io.Reader, contentType string) (string, error)
	Remove(ctx context.Context, bucket string, names []string) error
}

// FallbackStore takes ownership of a local file and serves it from this
// process when the blob store rejects an upload.
type FallbackStore interface {
	Adopt(bucket, name, src string) (string, error)
}

// Engine renders a composition to a local file. req.Output is where the
// caller would like the video; the returned path is where it actually is,
// and it is the file that gets uploaded and removed afterwards.
type Engine interface {
	Render(ctx context.Context, bundle string, req render.Request, onProgress func(float64)) (string, error)
}

// StillRenderer is implemented by engines that can render a single frame.
type StillRenderer interface {
	RenderStill(ctx context.Context, bundle string, req render.StillRequest) (string, error)
}

// BundleSource hands out the shared render bundle.
type BundleSource interface {
	Get(ctx context.Context) (string, error)
}

// ArtifactSync projects render state onto the artifact linked to a manifest.
type ArtifactSync interface {
	SyncArtifact(ctx context.Context, manifestID, videoStatus string, videoURL *string) error
}

// Config holds the orchestrator's tunables.
type Config struct {
	AudioBucket      string
	VideoBucket      string
	WorkDir          string
	ProgressInterval time.Duration
	PosterWidth      int
	SideWriteTimeout time.Duration
}

// Deps are the collaborators a job talks to. Fallback, Artifacts and Logger
// may be nil.
type Deps struct {
	Tracker     *jobstore.Tracker
	Synthesizer Synthesizer
	Blobs       BlobStore
	Fallback    FallbackStore
	Engine      Engine
	Bundles     BundleSource
	Artifacts   ArtifactSync
	Logger      *slog.Logger
}

// JobContext is the caller context submitted with a manifest.
type JobContext struct {
	ManifestID *string
	Analysis   json.RawMessage
}

// Orchestrator accepts render jobs and runs each in its own goroutine.
type Orchestrator struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
	now  func() time.Time
	wg   sync.WaitGroup
}

func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Tracker == nil:
		return nil, errors.New("orchestrator: tracker is required")
	case deps.Synthesizer == nil:
		return nil, errors.New("orchestrator: synthesizer is required")
	case deps.Blobs == nil:
		return nil, errors.New("orchestrator: blob store is required")
	case deps.Engine == nil || deps.Bundles == nil:
		return nil, errors.New("orchestrator: render engine and bundle source are required")
	}
	if cfg.SideWriteTimeout <= 0 {
		cfg.SideWriteTimeout = 5 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:  cfg,
		deps: deps,
		log:  logging.WithComponent(logger, "orchestrator"),
		now:  time.Now,
	}, nil
}

// Submit normalizes the manifest, records the job as processing and starts
// it in the background. It returns as soon as the job id is allocated.
func (o *Orchestrator) Submit(ctx context.Context, raw json.RawMessage, jc JobContext) (string, error) {
	m, err := manifest.Normalize(raw)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	job := models.RenderJob{
		ID:            id,
		ManifestID:    jc.ManifestID,
		Status:        models.StatusProcessing,
		Progress:      0,
		ProgressLabel: labelStarting,
	}
	if err := o.deps.Tracker.Create(job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	telemetry.JobsSubmitted.Inc()
	o.log.Info("render job accepted",
		"job_id", id,
		"scenes", len(m.Scenes),
		"frames", m.FrameCount(),
		"loan_id", m.Meta.LoanID,
	)

	o.wg.Add(1)
	go o.run(id, m, jc)
	return id, nil
}

// Wait blocks until every running job has finished and its status writes
// have been flushed, or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return o.deps.Tracker.Flush(ctx)
}
