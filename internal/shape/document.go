package shape

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"shapecodec/internal/shape/types"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"sigs.k8s.io/yaml"
)

// documentSchema is the JSON Schema every shape document must satisfy
const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "definitions": {
    "kind": {
      "enum": ["string", "integer", "long", "float", "double", "boolean", "timestamp", "blob",
               "enum", "list", "map", "structure"]
    },
    "typeRef": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": {"$ref": "#/definitions/kind"},
        "shapeRef": {"type": "string", "minLength": 1},
        "member": {"$ref": "#/definitions/typeRef"},
        "memberName": {"type": "string", "minLength": 1}
      },
      "additionalProperties": false
    },
    "field": {
      "type": "object",
      "required": ["name", "kind"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "wireName": {"type": "string", "minLength": 1},
        "required": {"type": "boolean"},
        "kind": {"$ref": "#/definitions/kind"},
        "shapeRef": {"type": "string", "minLength": 1},
        "member": {"$ref": "#/definitions/typeRef"},
        "memberName": {"type": "string", "minLength": 1}
      },
      "additionalProperties": false
    }
  },
  "properties": {
    "shapes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "fields"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "documentation": {"type": "string"},
          "fields": {"type": "array", "items": {"$ref": "#/definitions/field"}}
        },
        "additionalProperties": false
      }
    },
    "enums": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "values"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "values": {"type": "array", "items": {"type": "string", "minLength": 1}, "uniqueItems": true}
        },
        "additionalProperties": false
      }
    },
    "operations": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "input": {"type": "string"},
          "output": {"type": "string"},
          "errors": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["code"],
              "properties": {
                "code": {"type": "string", "minLength": 1},
                "fault": {"enum": ["client", "server", ""]},
                "shape": {"type": "string"}
              },
              "additionalProperties": false
            }
          }
        },
        "additionalProperties": false
      }
    }
  }
}`

var compiledDocumentSchema = jsonschema.MustCompileString("shape-document.json", documentSchema)

// ParseDocument parses a YAML or JSON shape document and validates its structure
func ParseDocument(data []byte) (*types.Document, error) {
	jsonData, err := yaml.YAMLToJSON(data)
	if err != nil {
		return nil, fmt.Errorf("convert document to JSON: %w", err)
	}

	var raw interface{}
	if err := json.Unmarshal(jsonData, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	if err := compiledDocumentSchema.Validate(raw); err != nil {
		return nil, fmt.Errorf("validate document: %w", err)
	}

	var doc types.Document
	if err := json.Unmarshal(jsonData, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return &doc, nil
}

// LoadDir parses every shape document in dir in file name order and merges them
func LoadDir(dir string) (*types.Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read schema directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".json", ".yaml", ".yml":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	merged := &types.Document{}
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		doc, err := ParseDocument(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		slog.Debug("Loaded shape document", "file", name, "shapes", len(doc.Shapes), "enums", len(doc.Enums), "operations", len(doc.Operations))
		merged.Shapes = append(merged.Shapes, doc.Shapes...)
		merged.Enums = append(merged.Enums, doc.Enums...)
		merged.Operations = append(merged.Operations, doc.Operations...)
	}
	return merged, nil
}

// Build registers a document into a new registry and freezes it
func Build(doc *types.Document) (*Registry, error) {
	r := New()
	if err := r.Apply(doc); err != nil {
		return nil, err
	}
	if err := r.Freeze(); err != nil {
		return nil, err
	}
	return r, nil
}
