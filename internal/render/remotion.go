// Package render drives the Remotion CLI that turns a manifest into video.
//
// The composition must size itself from its input props: its
// calculateMetadata returns durationInFrames and fps taken from the props
// file, so a render of N frames asks for frames 0 to N-1 of an N-frame
// composition.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const maxStderrBytes = 8 * 1024

// Config holds the CLI invocation settings.
type Config struct {
	Command     string // "npx" runs `npx remotion ...`; anything else is the remotion binary
	ProjectDir  string
	EntryPoint  string
	Composition string
	Concurrency int
	Codec       string
	WorkDir     string
	Logger      *slog.Logger
}

// Request is one render of the composition.
type Request struct {
	JobID  string
	Props  any
	Frames int
	Output string
}

// StillRequest renders a single frame as an image.
type StillRequest struct {
	JobID  string
	Props  any
	Frame  int
	Output string
}

// Remotion runs the Remotion CLI as a subprocess.
type Remotion struct {
	cfg Config
}

func New(cfg Config) *Remotion {
	if cfg.Command == "" {
		cfg.Command = "npx"
	}
	if cfg.Codec == "" {
		cfg.Codec = "h264"
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Remotion{cfg: cfg}
}

// Bundle builds the webpack bundle for the project and returns its directory.
func (r *Remotion) Bundle(ctx context.Context) (string, error) {
	outDir := filepath.Join(r.cfg.WorkDir, "remotion-bundle-"+uuid.NewString())
	if err := r.run(ctx, nil, "bundle", r.cfg.EntryPoint, "--out-dir="+outDir); err != nil {
		return "", fmt.Errorf("bundle %s: %w", r.cfg.EntryPoint, err)
	}
	return outDir, nil
}

// Render renders req.Frames frames of the composition to req.Output.
// onProgress receives the rendered fraction in [0,1], never decreasing.
func (r *Remotion) Render(ctx context.Context, bundle string, req Request, onProgress func(float64)) (string, error) {
	if req.Frames < 1 {
		return "", fmt.Errorf("render %s: frame count must be positive, got %d", req.JobID, req.Frames)
	}
	propsPath, err := r.writeProps(req.JobID, "props", req.Props)
	if err != nil {
		return "", err
	}
	defer os.Remove(propsPath)

	if err := os.MkdirAll(filepath.Dir(req.Output), 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	parser := newProgressParser(req.Frames, onProgress)
	args := r.renderArgs(bundle, req, propsPath)
	err = r.run(ctx, parser, args...)
	parser.flush()
	if err != nil {
		return "", fmt.Errorf("render %s: %w", req.JobID, err)
	}
	if _, err := os.Stat(req.Output); err != nil {
		return "", fmt.Errorf("render %s: output missing: %w", req.JobID, err)
	}
	return req.Output, nil
}

// RenderStill renders one frame of the composition as a PNG.
func (r *Remotion) RenderStill(ctx context.Context, bundle string, req StillRequest) (string, error) {
	propsPath, err := r.writeProps(req.JobID, "still-props", req.Props)
	if err != nil {
		return "", err
	}
	defer os.Remove(propsPath)

	if err := r.run(ctx, nil, "still", bundle, r.cfg.Composition, req.Output,
		"--props="+propsPath,
		"--frame="+strconv.Itoa(req.Frame),
		"--image-format=png",
	); err != nil {
		return "", fmt.Errorf("still %s: %w", req.JobID, err)
	}
	return req.Output, nil
}

func (r *Remotion) renderArgs(bundle string, req Request, propsPath string) []string {
	args := []string{
		"render", bundle, r.cfg.Composition, req.Output,
		"--props=" + propsPath,
		"--frames=0-" + strconv.Itoa(req.Frames-1),
		"--codec=" + r.cfg.Codec,
	}
	if r.cfg.Concurrency > 0 {
		args = append(args, "--concurrency="+strconv.Itoa(r.cfg.Concurrency))
	}
	return args
}

func (r *Remotion) writeProps(jobID, suffix string, props any) (string, error) {
	if err := os.MkdirAll(r.cfg.WorkDir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	data, err := json.Marshal(props)
	if err != nil {
		return "", fmt.Errorf("marshal input props: %w", err)
	}
	path := filepath.Join(r.cfg.WorkDir, fmt.Sprintf("%s_%s.json", jobID, suffix))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write input props: %w", err)
	}
	return path, nil
}

// run executes the CLI. stdout goes to the progress parser when one is given.
func (r *Remotion) run(ctx context.Context, stdout io.Writer, args ...string) error {
	if filepath.Base(r.cfg.Command) == "npx" {
		args = append([]string{"remotion"}, args...)
	}
	cmd := exec.CommandContext(ctx, r.cfg.Command, args...)
	cmd.Dir = r.cfg.ProjectDir

	var stderrBuf bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: maxStderrBytes}
	if stdout == nil {
		stdout = io.Discard
	}
	cmd.Stdout = stdout

	start := time.Now()
	r.cfg.Logger.Info("executing render command", "command", r.cfg.Command, "args", args)
	err := cmd.Run()
	elapsed := time.Since(start)
	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		tail := truncate(stderrBuf.String(), 512)
		r.cfg.Logger.Warn("render command failed",
			"exit_code", exitCode,
			"duration_ms", elapsed.Milliseconds(),
			"stderr_tail", tail,
		)
		return fmt.Errorf("exit %d: %s: %w", exitCode, tail, err)
	}
	r.cfg.Logger.Info("render command succeeded", "duration_ms", elapsed.Milliseconds())
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter keeps only the last limit bytes written.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		b := lw.w.Bytes()
		tail := append([]byte(nil), b[len(b)-lw.limit:]...)
		lw.w.Reset()
		lw.w.Write(tail)
	}
	return len(p), nil
}
