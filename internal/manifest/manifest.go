// Package manifest holds the canonical video manifest and the normalizer that
// turns loosely shaped, generator-produced manifests into it.
package manifest

import (
	"math"
	"strings"
)

const (
	DefaultResolution = "1280x720"
	DefaultFPS        = 30
	DefaultTheme      = "institutional-dark"
	DefaultVersion    = "1.0"
	DefaultLoanID     = "unknown"
	DefaultLayout     = "centered"
	DefaultDuration   = 10.0
)

// Manifest is the canonical, render-ready description of a video.
type Manifest struct {
	Meta   Meta    `json:"meta"`
	Scenes []Scene `json:"scenes"`
}

type Meta struct {
	LoanID     string `json:"loan_id"`
	Version    string `json:"version"`
	Theme      string `json:"theme"`
	Resolution string `json:"resolution"`
	FPS        int    `json:"fps"`
}

type Scene struct {
	ID        string    `json:"id"`
	Start     float64   `json:"start"`
	Duration  float64   `json:"duration"`
	Narration Narration `json:"narration"`
	Visuals   Visuals   `json:"visuals"`
}

type Narration struct {
	Text     string  `json:"text"`
	AudioURL *string `json:"audioUrl"`
}

type Visuals struct {
	Layout     string     `json:"layout"`
	Components Components `json:"components"`
}

// NeedsAudio reports whether the narration should be synthesized: it has
// text and no audio yet.
func (n Narration) NeedsAudio() bool {
	return strings.TrimSpace(n.Text) != "" && (n.AudioURL == nil || *n.AudioURL == "")
}

// TotalDuration is the sum of scene durations in seconds.
func (m Manifest) TotalDuration() float64 {
	var total float64
	for _, s := range m.Scenes {
		if s.Duration > 0 {
			total += s.Duration
		}
	}
	return total
}

// FrameCount is ceil(total duration × fps), never less than one frame.
func (m Manifest) FrameCount() int {
	fps := m.Meta.FPS
	if fps <= 0 {
		fps = DefaultFPS
	}
	// Shave float noise so 0.1+0.2 style sums do not round up a whole frame.
	frames := int(math.Ceil(m.TotalDuration()*float64(fps) - 1e-9))
	if frames < 1 {
		return 1
	}
	return frames
}

// AudioTargets returns the indexes of scenes whose narration needs synthesis.
func (m Manifest) AudioTargets() []int {
	var idx []int
	for i, s := range m.Scenes {
		if s.Narration.NeedsAudio() {
			idx = append(idx, i)
		}
	}
	return idx
}
