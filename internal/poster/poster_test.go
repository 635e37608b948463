package poster

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"
	"testing"
)

func encodeFrame(t *testing.T, w, h int) *bytes.Buffer {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 10, G: 40, B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return &buf
}

func TestThumbnailScalesDown(t *testing.T) {
	out, err := Thumbnail(encodeFrame(t, 1280, 720), 640)
	if err != nil {
		t.Fatalf("thumbnail: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("output is not jpeg: %v", err)
	}
	if img.Bounds().Dx() != 640 || img.Bounds().Dy() != 360 {
		t.Fatalf("expected 640x360, got %dx%d", img.Bounds().Dx(), img.Bounds().Dy())
	}
}

func TestThumbnailKeepsSmallFrames(t *testing.T) {
	out, err := Thumbnail(encodeFrame(t, 320, 180), 640)
	if err != nil {
		t.Fatalf("thumbnail: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("output is not jpeg: %v", err)
	}
	if img.Bounds().Dx() != 320 {
		t.Fatalf("expected width 320, got %d", img.Bounds().Dx())
	}
}

func TestThumbnailRejectsBadInput(t *testing.T) {
	if _, err := Thumbnail(strings.NewReader("not an image"), 640); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := Thumbnail(encodeFrame(t, 10, 10), 0); err == nil {
		t.Fatal("expected width error")
	}
}
