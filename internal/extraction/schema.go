package extraction

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// readingsSchema constrains types only. Which fields must be present for a
// result to count as complete is configured separately (critical fields).
const readingsSchema = `{
  "type": "object",
  "properties": {
    "device_id":   {"type": ["string", "null"]},
    "observed_at": {"type": ["string", "null"]},
    "location":    {"type": ["string", "null"]},
    "notes":       {"type": ["string", "null"]},
    "confidence":  {"type": ["number", "null"], "minimum": 0, "maximum": 1},
    "readings": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["name", "value"],
        "properties": {
          "name":  {"type": "string", "minLength": 1},
          "value": {"type": ["number", "string"]},
          "unit":  {"type": ["string", "null"]}
        }
      }
    }
  }
}`

// Mapper validates raw model output and normalises it into result fields.
type Mapper struct {
	schema *jsonschema.Schema
}

func NewMapper() (*Mapper, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("readings.json", bytes.NewReader([]byte(readingsSchema))); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("readings.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Mapper{schema: schema}, nil
}

// Map returns the normalised fields. Output that is not a JSON object or
// violates the schema is a fatal error: retrying the same image against the
// same model will not fix it.
func (m *Mapper) Map(raw json.RawMessage) (json.RawMessage, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, Fatalf("malformed extraction output: %v", err)
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, Fatalf("malformed extraction output: expected object")
	}
	// Some providers wrap the payload.
	if inner, ok := obj["data"].(map[string]any); ok && len(obj) == 1 {
		obj = inner
	}
	if err := m.schema.Validate(obj); err != nil {
		return nil, Fatal(fmt.Errorf("extraction output does not match schema: %w", err))
	}

	out := make(map[string]any, len(obj))
	for k, v := range obj {
		switch t := v.(type) {
		case nil:
			continue
		case string:
			if s := strings.TrimSpace(t); s != "" {
				out[k] = s
			}
		default:
			out[k] = v
		}
	}
	return json.Marshal(out)
}
