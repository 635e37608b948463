// Package poster makes the preview image shown before a video plays.
package poster

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/disintegration/imaging"
)

const jpegQuality = 85

// Thumbnail decodes a rendered frame, scales it to width keeping the aspect
// ratio, and encodes it as JPEG. Frames narrower than width are not upscaled.
func Thumbnail(r io.Reader, width int) ([]byte, error) {
	if width <= 0 {
		return nil, errors.New("poster width must be positive")
	}
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if img.Bounds().Dx() == 0 || img.Bounds().Dy() == 0 {
		return nil, errors.New("invalid frame dimensions")
	}
	if img.Bounds().Dx() > width {
		img = imaging.Resize(img, width, 0, imaging.Lanczos)
	}
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return nil, fmt.Errorf("encode poster: %w", err)
	}
	return buf.Bytes(), nil
}
