package eventlog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const metaSchema = `{
  "type": "object",
  "required": ["type", "event", "run_id", "timestamp", "data"],
  "properties": {
    "type": {"const": "loop_meta"},
    "event": {
      "enum": ["loop_start", "iteration_start", "iteration_end",
               "quota_exhausted", "quota_resumed", "stuck", "loop_end"]
    },
    "run_id": {"type": "string"},
    "timestamp": {"type": "string", "minLength": 1},
    "data": {"type": "object"}
  },
  "allOf": [
    {
      "if": {"properties": {"event": {"const": "iteration_start"}}},
      "then": {"properties": {"data": {
        "required": ["iteration", "issue_id", "mode"],
        "properties": {
          "iteration": {"type": "integer", "minimum": 1},
          "issue_id": {"type": "string"},
          "mode": {"enum": ["plan", "build"]}
        }
      }}}
    },
    {
      "if": {"properties": {"event": {"const": "iteration_end"}}},
      "then": {"properties": {"data": {
        "required": ["iteration", "exit_code", "duration_seconds"],
        "properties": {
          "iteration": {"type": "integer", "minimum": 1},
          "exit_code": {"type": "integer"},
          "duration_seconds": {"type": "number", "minimum": 0},
          "refused": {"type": "boolean"},
          "aborted": {"type": "boolean"}
        }
      }}}
    },
    {
      "if": {"properties": {"event": {"const": "quota_exhausted"}}},
      "then": {"properties": {"data": {"required": ["resume_at", "source"]}}}
    }
  ]
}`

var compiledMetaSchema = jsonschema.MustCompileString("loop-meta.schema.json", metaSchema)

// ErrNotMeta is returned for lines that are not loop_meta records.
var ErrNotMeta = errors.New("not a loop_meta record")

// ValidateMetaLine checks a single loop_meta log line against the record schema.
func ValidateMetaLine(line []byte) error {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return errors.New("log line is empty")
	}

	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if m, ok := doc.(map[string]any); !ok || m["type"] != MetaType {
		return ErrNotMeta
	}
	if err := compiledMetaSchema.Validate(doc); err != nil {
		return fmt.Errorf("invalid loop_meta record: %w", err)
	}
	return nil
}
