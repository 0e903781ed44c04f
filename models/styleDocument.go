package models

import "encoding/json"

// StyleDocument is a map style. Sources keep every property of the original
// document; fields the server does not interpret are carried in Extra and
// written back untouched.
type StyleDocument struct {
	Version int                       `json:"version"`
	Name    string                    `json:"name,omitempty"`
	Sources map[string]map[string]any `json:"sources"`
	Sprite  any                       `json:"sprite,omitempty"`
	Glyphs  string                    `json:"glyphs,omitempty"`
	Layers  []any                     `json:"layers"`
	Extra   map[string]json.RawMessage `json:"-"`
}

var styleDocumentFields = map[string]bool{
	"version": true,
	"name":    true,
	"sources": true,
	"sprite":  true,
	"glyphs":  true,
	"layers":  true,
}

type styleDocumentAlias StyleDocument

func (d *StyleDocument) UnmarshalJSON(data []byte) error {
	var alias styleDocumentAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for k := range all {
		if styleDocumentFields[k] {
			delete(all, k)
		}
	}
	if len(all) > 0 {
		alias.Extra = all
	}
	*d = StyleDocument(alias)
	return nil
}

func (d StyleDocument) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(styleDocumentAlias(d))
	if err != nil {
		return nil, err
	}
	if len(d.Extra) == 0 {
		return known, nil
	}
	merged := make(map[string]json.RawMessage, len(d.Extra)+6)
	for k, v := range d.Extra {
		merged[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Source types that can be backed by a local tileset.
const (
	SourceRaster = "raster"
	SourceVector = "vector"
)

// FillLayer and RasterLayer are the default layers of generated styles.
type FillLayer struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Source      string         `json:"source"`
	SourceLayer string         `json:"source-layer"`
	Paint       FillLayerPaint `json:"paint"`
}

type FillLayerPaint struct {
	FillColor   string  `json:"fill-color"`
	FillOpacity float64 `json:"fill-opacity"`
}

type RasterLayer struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Source string `json:"source"`
}

type BackgroundLayer struct {
	ID    string         `json:"id"`
	Type  string         `json:"type"`
	Paint map[string]any `json:"paint"`
}
