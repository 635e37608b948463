package assets

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalUploadServeRemove(t *testing.T) {
	dir := t.TempDir()
	store := NewLocal(dir, "http://localhost:3001/")

	url, err := store.Upload(context.Background(), "narration-audio", "job-1_scene_0.mp3", strings.NewReader("ID3"), "audio/mpeg")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if url != "http://localhost:3001/files/narration-audio/job-1_scene_0.mp3" {
		t.Fatalf("unexpected url %q", url)
	}

	srv := httptest.NewServer(mux(store))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/files/narration-audio/job-1_scene_0.mp3")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "ID3" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}

	if err := store.Remove(context.Background(), "narration-audio", []string{"job-1_scene_0.mp3", "never-existed.mp3"}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "narration-audio", "job-1_scene_0.mp3")); !os.IsNotExist(err) {
		t.Fatalf("file should be gone, stat err=%v", err)
	}
}

func TestLocalAdoptMovesFile(t *testing.T) {
	work := t.TempDir()
	src := filepath.Join(work, "job-2.mp4")
	if err := os.WriteFile(src, []byte("mp4"), 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}
	store := NewLocal(t.TempDir(), "http://render.internal")

	url, err := store.Adopt("videos", "job-2.mp4", src)
	if err != nil {
		t.Fatalf("adopt: %v", err)
	}
	if url != "http://render.internal/files/videos/job-2.mp4" {
		t.Fatalf("unexpected url %q", url)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("source should be moved away, stat err=%v", err)
	}
}

func TestLocalRejectsEscapes(t *testing.T) {
	dir := t.TempDir()
	store := NewLocal(dir, "http://x")
	if _, err := store.Upload(context.Background(), "..", "a", strings.NewReader(""), ""); err == nil {
		t.Fatalf("expected invalid bucket error")
	}
	if _, err := store.Upload(context.Background(), "videos", "../../escape.txt", strings.NewReader("x"), ""); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "videos", "escape.txt")); err != nil {
		t.Fatalf("name should be confined to the bucket dir: %v", err)
	}
}

func mux(store *LocalStore) http.Handler {
	m := http.NewServeMux()
	m.Handle("/files/", store.Handler())
	return m
}
