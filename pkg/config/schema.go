package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

const pipelineSchemaURL = "https://adacta.schemas.local/pipeline.schema.json"

// pipelineSchemaJSON constrains the pipeline section. Semantic rules that
// need the whole graph (producer uniqueness, acyclicity, resolvable
// inputs) stay with the graph constructor; this catches shape mistakes
// with a usable position before any step runs.
const pipelineSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["name", "image", "outputs"],
    "additionalProperties": false,
    "properties": {
      "name": {"type": "string", "pattern": "^[a-z0-9]([a-z0-9-]*[a-z0-9])?$"},
      "runtime": {"enum": ["docker", "wasi"]},
      "image": {"type": "string", "minLength": 1},
      "cmd": {"type": "array", "items": {"type": "string"}},
      "env": {"type": "object", "additionalProperties": {"type": "string"}},
      "inputs": {"type": "array", "items": {"type": "string", "minLength": 1}},
      "outputs": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
      "timeout": {"$ref": "#/$defs/duration"},
      "retry": {
        "type": "object",
        "additionalProperties": false,
        "properties": {
          "max_attempts": {"type": "integer", "minimum": 1},
          "base_backoff": {"$ref": "#/$defs/duration"},
          "max_backoff": {"$ref": "#/$defs/duration"},
          "max_jitter": {"$ref": "#/$defs/duration"}
        }
      },
      "classifier": {"type": "string"},
      "network_enabled": {"type": "boolean"},
      "resources": {
        "type": "object",
        "additionalProperties": false,
        "properties": {
          "memory_bytes": {"type": "integer", "minimum": 0},
          "cpu_cores": {"type": "number", "minimum": 0},
          "pids_limit": {"type": "integer", "minimum": 0}
        }
      }
    }
  },
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    }
  }
}`

var pipelineSchema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(pipelineSchemaURL, strings.NewReader(pipelineSchemaJSON)); err != nil {
		panic(fmt.Sprintf("config: loading pipeline schema: %v", err))
	}
	return c.MustCompile(pipelineSchemaURL)
}()

// validatePipeline checks the pipeline section of a raw config document
// against the embedded schema.
func validatePipeline(raw []byte) error {
	var doc struct {
		Pipeline any `yaml:"pipeline"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("config: parsing pipeline section: %w", err)
	}
	if doc.Pipeline == nil {
		return nil
	}

	// The validator wants JSON-decoded values, so round-trip through JSON.
	encoded, err := json.Marshal(jsonify(doc.Pipeline))
	if err != nil {
		return fmt.Errorf("config: encoding pipeline section: %w", err)
	}
	var value any
	if err := json.Unmarshal(encoded, &value); err != nil {
		return fmt.Errorf("config: decoding pipeline section: %w", err)
	}

	if err := pipelineSchema.Validate(value); err != nil {
		return fmt.Errorf("config: pipeline section rejected: %w", err)
	}
	return nil
}

// jsonify rewrites YAML-decoded values into JSON-compatible ones; YAML
// mappings may carry non-string keys.
func jsonify(v any) any {
	switch v := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(v))
		for k, val := range v {
			m[k] = jsonify(val)
		}
		return m
	case map[any]any:
		m := make(map[string]any, len(v))
		for k, val := range v {
			m[fmt.Sprint(k)] = jsonify(val)
		}
		return m
	case []any:
		s := make([]any, len(v))
		for i, val := range v {
			s[i] = jsonify(val)
		}
		return s
	default:
		return v
	}
}
