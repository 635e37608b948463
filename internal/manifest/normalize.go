package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/abenezer101/Loanie/internal/failures"
)

type rawManifest struct {
	Meta   *rawMeta   `json:"meta"`
	Scenes []rawScene `json:"scenes"`
}

type rawMeta struct {
	LoanID     string   `json:"loan_id"`
	Version    string   `json:"version"`
	Theme      string   `json:"theme"`
	Resolution string   `json:"resolution"`
	FPS        *float64 `json:"fps"`
}

type rawScene struct {
	ID         string            `json:"id"`
	Start      *float64          `json:"start"`
	StartTime  *float64          `json:"start_time"`
	Duration   *float64          `json:"duration"`
	Narration  json.RawMessage   `json:"narration"`
	Components []json.RawMessage `json:"components"`
	Visuals    *struct {
		Layout     string            `json:"layout"`
		Components []json.RawMessage `json:"components"`
	} `json:"visuals"`
}

type rawNarration struct {
	Text          string  `json:"text"`
	AudioURL      *string `json:"audioUrl"`
	AudioURLSnake *string `json:"audio_url"`
}

// CheckShape is the pre-normalization check: the manifest must be a present,
// non-empty JSON object.
func CheckShape(raw json.RawMessage) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return failures.Validation("check manifest", "manifest is missing")
	}
	if trimmed[0] != '{' {
		return failures.Validation("check manifest", "manifest must be a JSON object")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return failures.Wrap(failures.ErrValidation, "", "check manifest", "manifest is not valid JSON", err)
	}
	if len(fields) == 0 {
		return failures.Validation("check manifest", "manifest is empty")
	}
	return nil
}

// Normalize converts a loosely shaped manifest into the canonical form. It
// fails with a validation error when no scenes remain.
func Normalize(raw json.RawMessage) (Manifest, error) {
	if err := CheckShape(raw); err != nil {
		return Manifest{}, err
	}
	var in rawManifest
	if err := json.Unmarshal(raw, &in); err != nil {
		return Manifest{}, failures.Wrap(failures.ErrValidation, "", "normalize manifest", "malformed manifest", err)
	}

	out := Manifest{
		Meta:   normalizeMeta(in.Meta),
		Scenes: make([]Scene, 0, len(in.Scenes)),
	}
	for i, rs := range in.Scenes {
		scene, err := normalizeScene(i, rs)
		if err != nil {
			return Manifest{}, failures.Wrap(failures.ErrValidation, "", "normalize manifest", fmt.Sprintf("scene %d", i), err)
		}
		out.Scenes = append(out.Scenes, scene)
	}
	if len(out.Scenes) == 0 {
		return Manifest{}, failures.Validation("normalize manifest", "manifest has no scenes")
	}
	return out, nil
}

func normalizeMeta(in *rawMeta) Meta {
	meta := Meta{
		LoanID:     DefaultLoanID,
		Version:    DefaultVersion,
		Theme:      DefaultTheme,
		Resolution: DefaultResolution,
		FPS:        DefaultFPS,
	}
	if in == nil {
		return meta
	}
	if v := strings.TrimSpace(in.LoanID); v != "" {
		meta.LoanID = v
	}
	if v := strings.TrimSpace(in.Version); v != "" {
		meta.Version = v
	}
	if v := strings.TrimSpace(in.Theme); v != "" {
		meta.Theme = v
	}
	if v := strings.TrimSpace(in.Resolution); v != "" {
		meta.Resolution = v
	}
	if in.FPS != nil && *in.FPS >= 1 {
		meta.FPS = int(math.Round(*in.FPS))
	}
	return meta
}

func normalizeScene(idx int, in rawScene) (Scene, error) {
	scene := Scene{
		ID:       strings.TrimSpace(in.ID),
		Duration: DefaultDuration,
		Visuals:  Visuals{Layout: DefaultLayout},
	}
	if scene.ID == "" {
		scene.ID = fmt.Sprintf("scene_%d", idx)
	}
	switch {
	case in.Start != nil:
		scene.Start = *in.Start
	case in.StartTime != nil:
		scene.Start = *in.StartTime
	}
	if scene.Start < 0 {
		scene.Start = 0
	}
	if in.Duration != nil && *in.Duration > 0 {
		scene.Duration = *in.Duration
	}

	narration, err := normalizeNarration(in.Narration)
	if err != nil {
		return Scene{}, err
	}
	scene.Narration = narration

	rawComponents := in.Components
	if len(rawComponents) == 0 && in.Visuals != nil {
		rawComponents = in.Visuals.Components
	}
	if in.Visuals != nil && strings.TrimSpace(in.Visuals.Layout) != "" {
		scene.Visuals.Layout = strings.TrimSpace(in.Visuals.Layout)
	}
	components, err := decodeComponents(rawComponents)
	if err != nil {
		return Scene{}, err
	}
	scene.Visuals.Components = components
	return scene, nil
}

// normalizeNarration accepts a bare string (text only) or an object with text
// and an optional audio URL.
func normalizeNarration(raw json.RawMessage) (Narration, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Narration{}, nil
	}
	if trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return Narration{}, fmt.Errorf("decode narration: %w", err)
		}
		return Narration{Text: text}, nil
	}
	var rn rawNarration
	if err := json.Unmarshal(trimmed, &rn); err != nil {
		return Narration{}, fmt.Errorf("decode narration: %w", err)
	}
	n := Narration{Text: rn.Text}
	url := rn.AudioURL
	if url == nil || *url == "" {
		url = rn.AudioURLSnake
	}
	if url != nil && strings.TrimSpace(*url) != "" {
		u := strings.TrimSpace(*url)
		n.AudioURL = &u
	}
	return n, nil
}
