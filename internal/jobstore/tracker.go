// Package jobstore tracks render job status in two tiers: an in-process map
// that is authoritative while the process lives, and a durable store that the
// map is mirrored into for cross-process visibility and history.
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/abenezer101/Loanie/internal/failures"
	"github.com/abenezer101/Loanie/internal/models"
	"github.com/abenezer101/Loanie/internal/telemetry"
)

const defaultWriteTimeout = 10 * time.Second

// Mirror is the durable tier. Writes must be idempotent by job id.
type Mirror interface {
	UpsertJob(ctx context.Context, job models.RenderJob) error
	UpdateJob(ctx context.Context, id string, patch models.JobPatch) error
	GetJob(ctx context.Context, id string) (models.RenderJob, error)
}

// Tracker is the dual-tier job status store.
type Tracker struct {
	mirror       Mirror
	logger       *slog.Logger
	grace        time.Duration
	writeTimeout time.Duration
	now          func() time.Time

	mu   sync.RWMutex
	jobs map[string]*entry

	pendingMu sync.Mutex
	pending   int
	idle      chan struct{}
}

type entry struct {
	job  models.RenderJob
	sync *mirrorQueue
}

// mirrorQueue coalesces writes for one job so the durable tier sees them in
// order and a slow store never builds an unbounded backlog.
type mirrorQueue struct {
	mu      sync.Mutex
	create  *models.RenderJob
	patch   models.JobPatch
	running bool
}

// New builds a tracker. grace is how long a terminal job stays in the fast tier.
func New(mirror Mirror, grace time.Duration, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	idle := make(chan struct{})
	close(idle)
	return &Tracker{
		mirror:       mirror,
		logger:       logger,
		grace:        grace,
		writeTimeout: defaultWriteTimeout,
		now:          time.Now,
		jobs:         make(map[string]*entry),
		idle:         idle,
	}
}

// Create inserts the job into the fast tier and mirrors it with upsert
// semantics in the background.
func (t *Tracker) Create(job models.RenderJob) error {
	if job.ID == "" {
		return errors.New("job id is required")
	}
	now := t.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	t.mu.Lock()
	if _, exists := t.jobs[job.ID]; exists {
		t.mu.Unlock()
		return fmt.Errorf("job %s already tracked", job.ID)
	}
	e := &entry{job: job, sync: &mirrorQueue{}}
	t.jobs[job.ID] = e
	t.mu.Unlock()

	snapshot := job
	t.enqueue(job.ID, e.sync, &snapshot, models.JobPatch{})
	return nil
}

// Update merges patch into the fast-tier record and queues the durable write.
// It returns the resulting record.
func (t *Tracker) Update(id string, patch models.JobPatch) (models.RenderJob, error) {
	t.mu.Lock()
	e, ok := t.jobs[id]
	if !ok {
		t.mu.Unlock()
		return models.RenderJob{}, failures.Wrap(failures.ErrNotFound, "jobstore", "update", id, nil)
	}
	patch.Apply(&e.job)
	e.job.UpdatedAt = t.now().UTC()
	job := e.job
	t.mu.Unlock()

	t.enqueue(id, e.sync, nil, effectivePatch(patch, job))
	return job, nil
}

// Read resolves a job from the fast tier, then the durable tier. A job known to
// neither yields failures.ErrNotFound.
func (t *Tracker) Read(ctx context.Context, id string) (models.RenderJob, error) {
	t.mu.RLock()
	e, ok := t.jobs[id]
	var job models.RenderJob
	if ok {
		job = e.job
	}
	t.mu.RUnlock()
	if ok {
		return job, nil
	}
	if t.mirror == nil {
		return models.RenderJob{}, failures.Wrap(failures.ErrNotFound, "jobstore", "read", id, nil)
	}
	job, err := t.mirror.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, failures.ErrNotFound) {
			return models.RenderJob{}, err
		}
		return models.RenderJob{}, fmt.Errorf("read durable job %s: %w", id, err)
	}
	return job, nil
}

// Evict removes the job from the fast tier after the grace window. The
// durable record is untouched.
func (t *Tracker) Evict(id string) {
	remove := func() {
		t.mu.Lock()
		delete(t.jobs, id)
		t.mu.Unlock()
		t.logger.Debug("job evicted from memory", "job_id", id)
	}
	if t.grace <= 0 {
		remove()
		return
	}
	time.AfterFunc(t.grace, remove)
}

// Tracked reports whether the job is currently in the fast tier.
func (t *Tracker) Tracked(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.jobs[id]
	return ok
}

// Flush blocks until every queued durable write has been attempted.
func (t *Tracker) Flush(ctx context.Context) error {
	t.pendingMu.Lock()
	idle := t.idle
	t.pendingMu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tracker) enqueue(id string, q *mirrorQueue, create *models.RenderJob, patch models.JobPatch) {
	if t.mirror == nil {
		return
	}
	q.mu.Lock()
	if create != nil {
		q.create = create
	}
	q.patch = q.patch.Merge(patch)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	t.pendingMu.Lock()
	if t.pending == 0 {
		t.idle = make(chan struct{})
	}
	t.pending++
	t.pendingMu.Unlock()

	go t.drain(id, q)
}

func (t *Tracker) drain(id string, q *mirrorQueue) {
	defer func() {
		t.pendingMu.Lock()
		t.pending--
		if t.pending == 0 {
			close(t.idle)
		}
		t.pendingMu.Unlock()
	}()

	for {
		q.mu.Lock()
		create, patch := q.create, q.patch
		q.create, q.patch = nil, models.JobPatch{}
		if create == nil && patch.Empty() {
			q.running = false
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		if create != nil {
			job := *create
			patch.Apply(&job)
			t.write(id, "upsert", func(ctx context.Context) error {
				return t.mirror.UpsertJob(ctx, job)
			})
			continue
		}
		t.write(id, "update", func(ctx context.Context) error {
			err := t.mirror.UpdateJob(ctx, id, patch)
			if errors.Is(err, failures.ErrNotFound) {
				// The create never landed; write the whole record instead.
				if snapshot, ok := t.snapshot(id); ok {
					return t.mirror.UpsertJob(ctx, snapshot)
				}
			}
			return err
		})
	}
}

// write performs one durable write with a single immediate retry. Failures are
// logged and dropped; the fast tier stays authoritative.
func (t *Tracker) write(id, op string, fn func(ctx context.Context) error) {
	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), t.writeTimeout)
		err = fn(ctx)
		cancel()
		if err == nil {
			return
		}
		if attempt == 1 {
			t.logger.Warn("durable status write failed, retrying", "job_id", id, "op", op, "error", err)
		}
	}
	telemetry.PersistenceFailures.Inc()
	t.logger.Error("durable status write dropped",
		"job_id", id, "op", op,
		"error", failures.Wrap(failures.ErrPersistence, "jobstore", op, "retry exhausted", err))
}

func (t *Tracker) snapshot(id string) (models.RenderJob, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.jobs[id]
	if !ok {
		return models.RenderJob{}, false
	}
	return e.job, true
}

// effectivePatch rewrites the touched fields with the values the fast tier
// actually holds, so clamped progress or a kept terminal status is mirrored
// rather than the raw request.
func effectivePatch(in models.JobPatch, job models.RenderJob) models.JobPatch {
	var out models.JobPatch
	if in.Status != nil {
		status := job.Status
		out.Status = &status
	}
	if in.Progress != nil {
		progress := job.Progress
		out.Progress = &progress
	}
	if in.ProgressLabel != nil {
		label := job.ProgressLabel
		out.ProgressLabel = &label
	}
	if in.VideoURL != nil && job.VideoURL != nil {
		url := *job.VideoURL
		out.VideoURL = &url
	}
	if in.Metadata != nil && job.Metadata != nil {
		md := *job.Metadata
		out.Metadata = &md
	}
	return out
}
