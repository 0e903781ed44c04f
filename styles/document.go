package styles

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/khankhulgun/offlinemap/apierror"
	"github.com/khankhulgun/offlinemap/models"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/jsonc"
)

const schemaURL = "offlinemap://style.schema.json"

// styleSchema covers the structure the resolver relies on. Layer contents are
// left to the map client.
const styleSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["version", "sources", "layers"],
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "name": {"type": "string"},
    "glyphs": {"type": "string"},
    "sprite": {"type": ["string", "array"]},
    "sources": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["type"],
        "properties": {
          "type": {"type": "string"},
          "url": {"type": "string"},
          "tiles": {"type": "array", "items": {"type": "string"}, "minItems": 1},
          "minzoom": {"type": "number", "minimum": 0, "maximum": 30},
          "maxzoom": {"type": "number", "minimum": 0, "maximum": 30},
          "bounds": {"type": "array", "items": {"type": "number"}, "minItems": 4, "maxItems": 4}
        }
      }
    },
    "layers": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type"]
      }
    }
  }
}`

var schema = compileSchema()

func compileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, strings.NewReader(styleSchema)); err != nil {
		panic(fmt.Sprintf("add style schema: %v", err))
	}
	return compiler.MustCompile(schemaURL)
}

// ParseDocument decodes a style document. Comments and trailing commas are
// accepted. The document is validated before it is decoded.
func ParseDocument(raw []byte) (*models.StyleDocument, error) {
	stripped := jsonc.ToJSON(raw)

	var instance any
	if err := json.Unmarshal(stripped, &instance); err != nil {
		return nil, fmt.Errorf("decode style: %v: %w", err, apierror.ErrInvalidStyle)
	}
	if err := Validate(instance); err != nil {
		return nil, err
	}

	var doc models.StyleDocument
	if err := json.Unmarshal(stripped, &doc); err != nil {
		return nil, fmt.Errorf("decode style: %v: %w", err, apierror.ErrInvalidStyle)
	}
	return &doc, nil
}

// Validate checks a decoded JSON value against the style schema.
func Validate(instance any) error {
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%v: %w", err, apierror.ErrInvalidStyle)
	}
	return nil
}

// validateDocument re-validates a typed document, e.g. one built in code.
func validateDocument(doc *models.StyleDocument) error {
	if doc == nil {
		return fmt.Errorf("empty style: %w", apierror.ErrInvalidStyle)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode style: %v: %w", err, apierror.ErrInvalidStyle)
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("decode style: %v: %w", err, apierror.ErrInvalidStyle)
	}
	return Validate(instance)
}
