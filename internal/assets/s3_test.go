package assets

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

type fakeS3 struct {
	mu        sync.Mutex
	buckets   map[string]bool
	objects   map[string]string
	requests  []string
	denyNames bool
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)

	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	bucket := parts[0]
	switch {
	case r.Method == http.MethodHead && len(parts) == 1:
		if !f.buckets[bucket] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut && len(parts) == 1:
		f.buckets[bucket] = true
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[bucket+"/"+parts[1]] = string(body)
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPost && r.URL.Query().Has("delete"):
		w.Header().Set("Content-Type", "application/xml")
		if f.denyNames {
			io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>
<DeleteResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/"><Error><Key>a.mp3</Key><Code>AccessDenied</Code><Message>denied</Message></Error></DeleteResult>`)
			return
		}
		io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>
<DeleteResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/"></DeleteResult>`)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func newTestS3(t *testing.T, fake *fakeS3) *S3Store {
	t.Helper()
	home := t.TempDir()
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(home, "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(home, "credentials"))
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")

	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	store, err := NewS3(context.Background(), S3Config{Region: "us-east-1", Endpoint: srv.URL, PathStyle: true})
	if err != nil {
		t.Fatalf("new s3: %v", err)
	}
	return store
}

func TestS3EnsureBucketCreatesOnce(t *testing.T) {
	fake := &fakeS3{buckets: map[string]bool{}, objects: map[string]string{}}
	store := newTestS3(t, fake)
	ctx := context.Background()

	if err := store.EnsureBucket(ctx, "narration-audio"); err != nil {
		t.Fatalf("ensure bucket: %v", err)
	}
	if err := store.EnsureBucket(ctx, "narration-audio"); err != nil {
		t.Fatalf("ensure existing bucket: %v", err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	creates := 0
	for _, r := range fake.requests {
		if r == "PUT /narration-audio" {
			creates++
		}
	}
	if creates != 1 {
		t.Fatalf("expected one create, got %d in %v", creates, fake.requests)
	}
}

func TestS3UploadReturnsPublicURL(t *testing.T) {
	fake := &fakeS3{buckets: map[string]bool{"videos": true}, objects: map[string]string{}}
	store := newTestS3(t, fake)

	url, err := store.Upload(context.Background(), "videos", "job-1.mp4", strings.NewReader("mp4-bytes"), "video/mp4")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.HasSuffix(url, "/videos/job-1.mp4") || !strings.HasPrefix(url, "http://127.0.0.1") {
		t.Fatalf("unexpected url %q", url)
	}
	fake.mu.Lock()
	body := fake.objects["videos/job-1.mp4"]
	fake.mu.Unlock()
	if !strings.Contains(body, "mp4-bytes") {
		t.Fatalf("object body not stored: %q", body)
	}
}

func TestS3Remove(t *testing.T) {
	fake := &fakeS3{buckets: map[string]bool{"narration-audio": true}, objects: map[string]string{}}
	store := newTestS3(t, fake)
	ctx := context.Background()

	if err := store.Remove(ctx, "narration-audio", nil); err != nil {
		t.Fatalf("empty remove: %v", err)
	}
	if err := store.Remove(ctx, "narration-audio", []string{"a.mp3", "b.mp3"}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	fake.mu.Lock()
	fake.denyNames = true
	fake.mu.Unlock()
	if err := store.Remove(ctx, "narration-audio", []string{"a.mp3"}); err == nil {
		t.Fatalf("expected per-object errors to surface")
	}
}

func TestS3PublicURL(t *testing.T) {
	cases := []struct {
		cfg  S3Config
		want string
	}{
		{S3Config{Region: "eu-west-1"}, "https://videos.s3.eu-west-1.amazonaws.com/job%201.mp4"},
		{S3Config{Endpoint: "http://minio:9000", PathStyle: true}, "http://minio:9000/videos/job%201.mp4"},
		{S3Config{Endpoint: "https://r2.example.com"}, "https://videos.r2.example.com/job%201.mp4"},
		{S3Config{PublicURL: "https://cdn.example.com/storage/v1/object/public"}, "https://cdn.example.com/storage/v1/object/public/videos/job%201.mp4"},
	}
	for _, c := range cases {
		s := &S3Store{cfg: c.cfg}
		if got := s.PublicURL("videos", "job 1.mp4"); got != c.want {
			t.Fatalf("PublicURL(%+v) = %q, want %q", c.cfg, got, c.want)
		}
	}
}
