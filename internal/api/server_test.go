package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/abenezer101/Loanie/internal/assets"
	"github.com/abenezer101/Loanie/internal/failures"
	"github.com/abenezer101/Loanie/internal/idempotency"
	"github.com/abenezer101/Loanie/internal/jobstore"
	"github.com/abenezer101/Loanie/internal/logging"
	"github.com/abenezer101/Loanie/internal/models"
	"github.com/abenezer101/Loanie/internal/orchestrator"
	"github.com/abenezer101/Loanie/internal/ratelimit"
)

type submission struct {
	raw json.RawMessage
	jc  orchestrator.JobContext
}

type fakeSubmitter struct {
	mu    sync.Mutex
	seen  []submission
	err   error
	count int
}

func (f *fakeSubmitter) Submit(_ context.Context, raw json.RawMessage, jc orchestrator.JobContext) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.count++
	f.seen = append(f.seen, submission{raw: raw, jc: jc})
	return fmt.Sprintf("job-%d", f.count), nil
}

func (f *fakeSubmitter) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeSubmitter) submissions() []submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submission(nil), f.seen...)
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func post(t *testing.T, srv *httptest.Server, body string, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/generate-video", strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

const validBody = `{"manifest":{"scenes":[{"narration":"hi"}]},"analysis":{"score":7},"manifest_id":"m-1"}`

func TestGenerateAcceptsJob(t *testing.T) {
	sub := &fakeSubmitter{}
	srv := httptest.NewServer(New(sub, jobstore.New(nil, 0, logging.Discard()), Options{Logger: logging.Discard()}).Router())
	defer srv.Close()

	resp, out := post(t, srv, validBody, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %v", resp.StatusCode, out)
	}
	if out["jobId"] != "job-1" || out["videoId"] != "job-1" || out["status"] != "processing" {
		t.Fatalf("unexpected body %v", out)
	}
	got := sub.submissions()[0]
	if got.jc.ManifestID == nil || *got.jc.ManifestID != "m-1" || string(got.jc.Analysis) != `{"score":7}` {
		t.Fatalf("job context not passed through: %+v", got.jc)
	}
}

func TestGenerateReadsNestedContext(t *testing.T) {
	sub := &fakeSubmitter{}
	srv := httptest.NewServer(New(sub, jobstore.New(nil, 0, logging.Discard()), Options{Logger: logging.Discard()}).Router())
	defer srv.Close()

	resp, _ := post(t, srv, `{"manifest":{"scenes":[{}]},"context":{"associatedManifestId":"m-9"}}`, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if jc := sub.submissions()[0].jc; jc.ManifestID == nil || *jc.ManifestID != "m-9" {
		t.Fatalf("nested manifest id not used: %+v", jc)
	}
}

func TestGenerateRejectsBadInput(t *testing.T) {
	sub := &fakeSubmitter{}
	srv := httptest.NewServer(New(sub, jobstore.New(nil, 0, logging.Discard()), Options{Logger: logging.Discard()}).Router())
	defer srv.Close()

	cases := map[string]string{
		"invalid json":     `{"manifest":`,
		"missing manifest": `{"analysis":{}}`,
	}
	for name, body := range cases {
		if resp, _ := post(t, srv, body, nil); resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, resp.StatusCode)
		}
	}

	sub.setErr(failures.Validation("normalize manifest", "manifest has no scenes"))
	resp, out := post(t, srv, `{"manifest":{"scenes":[]}}`, nil)
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(fmt.Sprint(out["error"]), "no scenes") {
		t.Fatalf("expected 400 with reason, got %d %v", resp.StatusCode, out)
	}

	sub.setErr(errors.New("tracker full"))
	if resp, _ := post(t, srv, validBody, nil); resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
}

func TestStatus(t *testing.T) {
	tracker := jobstore.New(nil, time.Minute, logging.Discard())
	if err := tracker.Create(models.RenderJob{ID: "job-7", Status: models.StatusProcessing, ProgressLabel: "Starting render..."}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := tracker.Update("job-7", models.ProgressPatch(60, "Rendering (50%)")); err != nil {
		t.Fatalf("update: %v", err)
	}
	srv := httptest.NewServer(New(&fakeSubmitter{}, tracker, Options{Logger: logging.Discard()}).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status/job-7")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var view map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&view)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if view["status"] != "processing" || view["progress"] != float64(60) || view["progressLabel"] != "Rendering (50%)" {
		t.Fatalf("unexpected view %v", view)
	}
	if v, ok := view["videoUrl"]; !ok || v != nil {
		t.Fatalf("videoUrl must be present and null, got %v", view)
	}

	resp, err = http.Get(srv.URL + "/status/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", resp.StatusCode)
	}
}

func TestRateLimitPerTenant(t *testing.T) {
	limiter := ratelimit.NewTokenBucket(newRedis(t), 1, 0.01, time.Minute)
	srv := httptest.NewServer(New(&fakeSubmitter{}, jobstore.New(nil, 0, logging.Discard()), Options{
		Limiter: limiter,
		Logger:  logging.Discard(),
	}).Router())
	defer srv.Close()

	acme := map[string]string{"X-Tenant-ID": "acme"}
	if resp, _ := post(t, srv, validBody, acme); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first request should pass, got %d", resp.StatusCode)
	}
	resp, _ := post(t, srv, validBody, acme)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("429 should carry Retry-After")
	}
	if resp, _ := post(t, srv, validBody, map[string]string{"X-Tenant-ID": "globex"}); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("other tenant should pass, got %d", resp.StatusCode)
	}
}

func TestIdempotencyKeyReplays(t *testing.T) {
	sub := &fakeSubmitter{}
	keys := idempotency.New(newRedis(t), time.Hour)
	srv := httptest.NewServer(New(sub, jobstore.New(nil, 0, logging.Discard()), Options{
		Keys:   keys,
		Logger: logging.Discard(),
	}).Router())
	defer srv.Close()

	hdr := map[string]string{"Idempotency-Key": "req-1"}
	_, first := post(t, srv, validBody, hdr)
	resp, second := post(t, srv, validBody, hdr)
	if resp.StatusCode != http.StatusAccepted || second["jobId"] != first["jobId"] || second["idempotent"] != true {
		t.Fatalf("replay should return the first job, got %d %v vs %v", resp.StatusCode, second, first)
	}
	if n := len(sub.submissions()); n != 1 {
		t.Fatalf("expected one submission, got %d", n)
	}

	if _, err := keys.Claim(context.Background(), defaultTenant, "req-2"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if resp, _ := post(t, srv, validBody, map[string]string{"Idempotency-Key": "req-2"}); resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for in-flight key, got %d", resp.StatusCode)
	}
}

func TestIdempotencyKeyReleasedOnFailure(t *testing.T) {
	sub := &fakeSubmitter{err: failures.Validation("check manifest", "manifest is empty")}
	srv := httptest.NewServer(New(sub, jobstore.New(nil, 0, logging.Discard()), Options{
		Keys:   idempotency.New(newRedis(t), time.Hour),
		Logger: logging.Discard(),
	}).Router())
	defer srv.Close()

	hdr := map[string]string{"Idempotency-Key": "req-3"}
	if resp, _ := post(t, srv, `{"manifest":{}}`, hdr); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	sub.setErr(nil)
	if resp, _ := post(t, srv, validBody, hdr); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("key should be free after a failed submit, got %d", resp.StatusCode)
	}
}

func TestFilesAndHealth(t *testing.T) {
	local := assets.NewLocal(t.TempDir(), "http://render.test")
	if _, err := local.Upload(context.Background(), "videos", "job-1.mp4", strings.NewReader("mp4"), "video/mp4"); err != nil {
		t.Fatalf("upload: %v", err)
	}
	srv := httptest.NewServer(New(&fakeSubmitter{}, jobstore.New(nil, 0, logging.Discard()), Options{
		Files:  local.Handler(),
		Bundle: func() string { return "/tmp/bundle" },
		Logger: logging.Discard(),
	}).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/files/videos/job-1.mp4")
	if err != nil {
		t.Fatalf("get file: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "mp4" {
		t.Fatalf("unexpected file response %d %q", resp.StatusCode, body)
	}

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	var health map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if health["status"] != "ok" || health["bundle_ready"] != true {
		t.Fatalf("unexpected health %v", health)
	}
}
