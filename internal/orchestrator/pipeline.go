package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/abenezer101/Loanie/internal/failures"
	"github.com/abenezer101/Loanie/internal/logging"
	"github.com/abenezer101/Loanie/internal/manifest"
	"github.com/abenezer101/Loanie/internal/models"
	"github.com/abenezer101/Loanie/internal/poster"
	"github.com/abenezer101/Loanie/internal/render"
	"github.com/abenezer101/Loanie/internal/telemetry"
)

const (
	labelStarting  = "Starting render..."
	labelBundling  = "Bundling project"
	labelUploading = "Uploading to storage"
	labelFinished  = "Finished"
	labelFailed    = "Render Failed"

	progressBundling  = 5
	progressAudioSpan = 25
	progressRender    = 30
	progressRenderMax = 60
	progressUploading = 95
	progressDone      = 100

	artifactCompleted = "completed"
	artifactFailed    = "failed"
)

// runState is everything one job accumulates that cleanup must undo.
type runState struct {
	id       string
	manifest manifest.Manifest
	jc       JobContext
	log      *slog.Logger

	mu         sync.Mutex
	tempFiles  []string
	audioNames []string
	output     string
	frames     int
}

func (s *runState) trackTemp(path string) {
	s.mu.Lock()
	s.tempFiles = append(s.tempFiles, path)
	s.mu.Unlock()
}

func (s *runState) trackAudio(name string) {
	s.mu.Lock()
	s.audioNames = append(s.audioNames, name)
	s.mu.Unlock()
}

// inputProps is what the composition receives. The composition takes its
// length and frame rate from durationInFrames and fps, so its declared
// defaults never cap the render.
type inputProps struct {
	Manifest         manifest.Manifest `json:"manifest"`
	Analysis         json.RawMessage   `json:"analysis"`
	DurationInFrames int               `json:"durationInFrames"`
	FPS              int               `json:"fps"`
}

func (st *runState) props() inputProps {
	fps := st.manifest.Meta.FPS
	if fps <= 0 {
		fps = manifest.DefaultFPS
	}
	return inputProps{
		Manifest:         st.manifest,
		Analysis:         analysisOrNull(st.jc.Analysis),
		DurationInFrames: st.frames,
		FPS:              fps,
	}
}

func (o *Orchestrator) run(id string, m manifest.Manifest, jc JobContext) {
	defer o.wg.Done()
	telemetry.JobsInFlight.Inc()
	defer telemetry.JobsInFlight.Dec()

	// Jobs are not cancellable and have no deadline; they end when the
	// engine returns.
	ctx := context.Background()
	st := &runState{id: id, manifest: m, jc: jc, log: logging.WithJobID(o.log, id)}
	defer o.cleanup(ctx, st)

	if err := o.execute(ctx, st); err != nil {
		o.fail(st, err)
	}
}

func (o *Orchestrator) execute(ctx context.Context, st *runState) error {
	if err := o.degrade(st, o.ensureBucket(ctx)); err != nil {
		return err
	}
	o.progress(st, progressBundling, labelBundling)
	bundle, err := o.bundle(ctx)
	if err != nil {
		return err
	}

	o.synthesize(ctx, st)

	frames := st.manifest.FrameCount()
	st.frames = frames
	if err := o.render(ctx, st, bundle, frames); err != nil {
		return err
	}

	videoURL, err := o.upload(ctx, st)
	if err != nil {
		return err
	}
	thumbnail, err := o.poster(ctx, st, bundle)
	if err := o.degrade(st, err); err != nil {
		return err
	}

	o.finalize(st, videoURL, models.StorageMetadata{
		Duration:     st.manifest.TotalDuration(),
		Frames:       frames,
		ThumbnailURL: thumbnail,
	})
	return nil
}

// degrade logs err and swallows it unless it is fatal to the job.
func (o *Orchestrator) degrade(st *runState, err error) error {
	if err == nil {
		return nil
	}
	if failures.Fatal(err) {
		return err
	}
	st.log.Warn("stage degraded, continuing", "error", err)
	return nil
}

// ensureBucket is best effort: the bucket usually exists from an earlier run.
func (o *Orchestrator) ensureBucket(ctx context.Context) error {
	if err := o.deps.Blobs.EnsureBucket(ctx, o.cfg.AudioBucket); err != nil {
		return failures.Wrap(failures.ErrBundling, "bundle", "ensure bucket", o.cfg.AudioBucket, err)
	}
	return nil
}

func (o *Orchestrator) bundle(ctx context.Context) (string, error) {
	defer observeStage("bundle", o.now())
	bundle, err := o.deps.Bundles.Get(ctx)
	if err != nil {
		return "", failures.Wrap(failures.ErrRender, "bundle", "build bundle", "", err)
	}
	return bundle, nil
}

// synthesize fans out one task per eligible scene and joins them all. A
// failed scene keeps no audio URL; nothing here fails the job.
func (o *Orchestrator) synthesize(ctx context.Context, st *runState) {
	defer observeStage("synthesize", o.now())

	targets := st.manifest.AudioTargets()
	total := len(targets)
	if total == 0 {
		o.progress(st, progressBundling, audioLabel(0, 0))
		return
	}
	st.log.Info("synthesizing narration", "scenes", total)

	var (
		mu   sync.Mutex
		done int
		g    errgroup.Group
	)
	for _, idx := range targets {
		g.Go(func() error {
			url, err := o.synthesizeScene(ctx, st, idx)
			if err != nil {
				telemetry.SynthesisFailures.Inc()
				_ = o.degrade(st, err)
			} else {
				st.manifest.Scenes[idx].Narration.AudioURL = &url
			}

			// Counter and write share the lock so labels never go backwards.
			mu.Lock()
			done++
			pct := progressBundling + int(math.Round(float64(done)/float64(total)*progressAudioSpan))
			o.progress(st, pct, audioLabel(done, total))
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) synthesizeScene(ctx context.Context, st *runState, idx int) (string, error) {
	scene := st.manifest.Scenes[idx]
	stream, err := o.deps.Synthesizer.Synthesize(ctx, scene.Narration.Text)
	if err != nil {
		return "", failures.Wrap(failures.ErrSynthesis, "synthesize", "request audio", scene.ID, err)
	}
	defer stream.Close()

	tmp, err := os.CreateTemp(o.cfg.WorkDir, fmt.Sprintf("%s_scene_%d_*.mp3", st.id, idx))
	if err != nil {
		return "", failures.Wrap(failures.ErrSynthesis, "synthesize", "create temp file", scene.ID, err)
	}
	st.trackTemp(tmp.Name())
	defer tmp.Close()

	if _, err := io.Copy(tmp, stream); err != nil {
		return "", failures.Wrap(failures.ErrSynthesis, "synthesize", "stream audio", scene.ID, err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", failures.Wrap(failures.ErrSynthesis, "synthesize", "rewind audio", scene.ID, err)
	}

	name := fmt.Sprintf("%s_scene_%d.mp3", st.id, idx)
	st.trackAudio(name)
	url, err := o.deps.Blobs.Upload(ctx, o.cfg.AudioBucket, name, tmp, "audio/mpeg")
	if err != nil {
		return "", failures.Wrap(failures.ErrSynthesis, "synthesize", "upload audio", scene.ID, err)
	}
	return url, nil
}

// render runs the engine with an explicit frame count and maps its fraction
// onto 30-90%, writing at most once per ProgressInterval.
func (o *Orchestrator) render(ctx context.Context, st *runState, bundle string, frames int) error {
	defer observeStage("render", o.now())

	output := filepath.Join(o.cfg.WorkDir, st.id+".mp4")
	st.mu.Lock()
	st.output = output
	st.mu.Unlock()

	// The engine reports progress from one goroutine, so lastWrite needs no lock.
	var lastWrite time.Time
	onProgress := func(fraction float64) {
		now := o.now()
		if now.Sub(lastWrite) < o.cfg.ProgressInterval {
			return
		}
		lastWrite = now
		fraction = math.Max(0, math.Min(1, fraction))
		label := fmt.Sprintf("Rendering (%d%%)", int(math.Round(fraction*100)))
		o.progress(st, progressRender+int(math.Round(fraction*progressRenderMax)), label)
		o.syncArtifact(st, label, nil)
	}

	st.log.Info("rendering composition", "frames", frames, "fps", st.manifest.Meta.FPS)
	req := render.Request{
		JobID:  st.id,
		Props:  st.props(),
		Frames: frames,
		Output: output,
	}
	path, err := o.deps.Engine.Render(ctx, bundle, req, onProgress)
	if err != nil {
		return failures.Wrap(failures.ErrRender, "render", "render composition", "", err)
	}
	if path != "" && path != output {
		st.mu.Lock()
		st.tempFiles = append(st.tempFiles, output)
		st.output = path
		st.mu.Unlock()
	}
	return nil
}

// upload stores the video. When the blob store refuses it, the file is
// handed to the fallback store and served from this process instead.
func (o *Orchestrator) upload(ctx context.Context, st *runState) (string, error) {
	defer observeStage("upload", o.now())
	o.progress(st, progressUploading, labelUploading)

	name := st.id + ".mp4"
	st.mu.Lock()
	output := st.output
	st.mu.Unlock()
	f, err := os.Open(output)
	if err != nil {
		return "", failures.Wrap(failures.ErrRender, "upload", "open rendered video", "", err)
	}
	url, err := o.deps.Blobs.Upload(ctx, o.cfg.VideoBucket, name, f, "video/mp4")
	f.Close()
	if err == nil {
		return url, nil
	}

	uploadErr := failures.Wrap(failures.ErrUpload, "upload", "upload video", o.cfg.VideoBucket, err)
	if o.deps.Fallback == nil {
		return "", failures.Wrap(failures.ErrRender, "upload", "serve video", "no fallback store", uploadErr)
	}
	telemetry.UploadFallbacks.Inc()
	st.log.Warn("video upload failed, serving from local fallback", "error", uploadErr)
	url, fbErr := o.deps.Fallback.Adopt(o.cfg.VideoBucket, name, output)
	if fbErr != nil {
		return "", failures.Wrap(failures.ErrRender, "upload", "serve video", "fallback failed", errors.Join(uploadErr, fbErr))
	}
	return url, nil
}

// poster renders frame 0 as a thumbnail when the engine supports stills.
// Its errors are never fatal.
func (o *Orchestrator) poster(ctx context.Context, st *runState, bundle string) (string, error) {
	still, ok := o.deps.Engine.(StillRenderer)
	if !ok || o.cfg.PosterWidth <= 0 {
		return "", nil
	}
	defer observeStage("poster", o.now())

	frame := filepath.Join(o.cfg.WorkDir, st.id+"_poster.png")
	st.trackTemp(frame)
	_, err := still.RenderStill(ctx, bundle, render.StillRequest{
		JobID:  st.id,
		Props:  st.props(),
		Frame:  0,
		Output: frame,
	})
	if err != nil {
		return "", failures.Wrap(failures.ErrUpload, "poster", "render still", "", err)
	}
	f, err := os.Open(frame)
	if err != nil {
		return "", failures.Wrap(failures.ErrUpload, "poster", "open still", "", err)
	}
	thumb, err := poster.Thumbnail(f, o.cfg.PosterWidth)
	f.Close()
	if err != nil {
		return "", failures.Wrap(failures.ErrUpload, "poster", "make thumbnail", "", err)
	}
	url, err := o.deps.Blobs.Upload(ctx, o.cfg.VideoBucket, st.id+"_poster.jpg", bytes.NewReader(thumb), "image/jpeg")
	if err != nil {
		return "", failures.Wrap(failures.ErrUpload, "poster", "upload poster", "", err)
	}
	return url, nil
}

func (o *Orchestrator) finalize(st *runState, videoURL string, md models.StorageMetadata) {
	status := models.StatusCompleted
	progress := progressDone
	label := labelFinished
	if _, err := o.deps.Tracker.Update(st.id, models.JobPatch{
		Status:        &status,
		Progress:      &progress,
		ProgressLabel: &label,
		VideoURL:      &videoURL,
		Metadata:      &md,
	}); err != nil {
		st.log.Error("final status update failed", "error", err)
	}
	o.syncArtifact(st, artifactCompleted, &videoURL)
	telemetry.JobsCompleted.Inc()
	st.log.Info("render job completed", "video_url", videoURL, "frames", md.Frames)
}

func (o *Orchestrator) fail(st *runState, err error) {
	telemetry.JobsFailed.Inc()
	st.log.Error("render job failed", "error", err)
	if _, uerr := o.deps.Tracker.Update(st.id, models.StatusPatch(models.StatusFailed, labelFailed)); uerr != nil {
		st.log.Error("failed status update failed", "error", uerr)
	}
	o.syncArtifact(st, artifactFailed, nil)
}

// cleanup runs after every job. Errors are logged and swallowed.
func (o *Orchestrator) cleanup(ctx context.Context, st *runState) {
	st.mu.Lock()
	files := append([]string(nil), st.tempFiles...)
	if st.output != "" {
		files = append(files, st.output)
	}
	audio := append([]string(nil), st.audioNames...)
	st.mu.Unlock()

	for _, path := range files {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			st.log.Warn("remove temp file failed", "path", path, "error", err)
		}
	}
	if len(audio) > 0 {
		rctx, cancel := context.WithTimeout(ctx, o.cfg.SideWriteTimeout)
		if err := o.deps.Blobs.Remove(rctx, o.cfg.AudioBucket, audio); err != nil {
			st.log.Warn("remove narration audio failed", "count", len(audio), "error", err)
		}
		cancel()
	}
	o.deps.Tracker.Evict(st.id)
}

func (o *Orchestrator) progress(st *runState, pct int, label string) {
	if _, err := o.deps.Tracker.Update(st.id, models.ProgressPatch(pct, label)); err != nil {
		st.log.Warn("progress update failed", "progress", pct, "error", err)
	}
}

// syncArtifact updates the artifact linked to the job's manifest, if any.
func (o *Orchestrator) syncArtifact(st *runState, videoStatus string, videoURL *string) {
	if o.deps.Artifacts == nil || st.jc.ManifestID == nil || *st.jc.ManifestID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.SideWriteTimeout)
	defer cancel()
	if err := o.deps.Artifacts.SyncArtifact(ctx, *st.jc.ManifestID, videoStatus, videoURL); err != nil {
		st.log.Warn("artifact sync failed", "video_status", videoStatus,
			"error", failures.Wrap(failures.ErrPersistence, "sync", "update artifact", *st.jc.ManifestID, err))
	}
}

func audioLabel(done, total int) string {
	return fmt.Sprintf("Generating Audio (%d/%d)", done, total)
}

func analysisOrNull(raw json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

func observeStage(stage string, start time.Time) {
	telemetry.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
