package manifest

import (
	"bytes"
	"encoding/json"
	"strings"
)

// ComponentType tags a visual component variant.
type ComponentType string

const (
	TypeTitle               ComponentType = "title"
	TypeKeyValue            ComponentType = "key_value"
	TypeMetricCard          ComponentType = "metric_card"
	TypeBarChart            ComponentType = "bar_chart"
	TypeRiskTable           ComponentType = "risk_table"
	TypeCovenantList        ComponentType = "covenant_list"
	TypeESGScores           ComponentType = "esg_scores"
	TypeRecommendation      ComponentType = "recommendation"
	TypeConfidenceIndicator ComponentType = "confidence_indicator"
)

// Component is one visual component. Its body is carried verbatim to the
// render engine; only the type tag is read here.
type Component struct {
	Type ComponentType
	raw  json.RawMessage
}

// Raw returns the encoded component as it will be handed to the renderer.
func (c Component) Raw() json.RawMessage { return c.raw }

func (c Component) MarshalJSON() ([]byte, error) {
	if len(c.raw) == 0 {
		return []byte("null"), nil
	}
	return c.raw, nil
}

func (c *Component) UnmarshalJSON(data []byte) error {
	comp, err := decodeComponent(data)
	if err != nil {
		return err
	}
	*c = comp
	return nil
}

// Components is an ordered component list. It always encodes as an array.
type Components []Component

func (c Components) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Component(c))
}

func decodeComponents(raws []json.RawMessage) (Components, error) {
	out := make(Components, 0, len(raws))
	for _, raw := range raws {
		comp, err := decodeComponent(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, comp)
	}
	return out, nil
}

// decodeComponent keeps the entry as given. Entries that are not objects, or
// whose type tag is missing or unknown, pass through untouched.
func decodeComponent(raw json.RawMessage) (Component, error) {
	comp := Component{raw: append(json.RawMessage(nil), bytes.TrimSpace(raw)...)}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(comp.raw, &fields); err != nil || fields == nil {
		return comp, nil
	}
	var tag string
	if t, ok := fields["type"]; ok && json.Unmarshal(t, &tag) == nil {
		comp.Type = ComponentType(tag)
	}
	if comp.Type != TypeRecommendation {
		return comp, nil
	}

	r, ok := fields["rationale"]
	if !ok {
		return comp, nil
	}
	flat, ok := flattenRationale(r)
	if !ok {
		return comp, nil
	}
	enc, err := json.Marshal(flat)
	if err != nil {
		return Component{}, err
	}
	fields["rationale"] = enc
	if comp.raw, err = json.Marshal(fields); err != nil {
		return Component{}, err
	}
	return comp, nil
}

// flattenRationale joins a list of fragments with ". ". It reports false when
// the value is not a fragment list, which leaves the field as provided.
func flattenRationale(raw json.RawMessage) (string, bool) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", false
	}
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		var s string
		if err := json.Unmarshal(p, &s); err != nil {
			s = string(bytes.TrimSpace(p))
		}
		texts = append(texts, s)
	}
	return strings.Join(texts, ". "), true
}
