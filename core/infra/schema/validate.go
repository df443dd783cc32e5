package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrInvalid marks a payload that does not match its schema.
var ErrInvalid = errors.New("schema validation failed")

// ValidationError carries the schema id and the validator's detail.
type ValidationError struct {
	Schema string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrInvalid, e.Schema, e.Err)
}

func (e *ValidationError) Unwrap() []error {
	return []error{ErrInvalid, e.Err}
}

// ValidateSchema validates a value against a JSON schema payload.
func ValidateSchema(id string, schema []byte, value any) error {
	compiled, err := compile(id, schema)
	if err != nil {
		return err
	}
	return validate(id, compiled, value)
}

func compile(id string, schema []byte) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, fmt.Errorf("schema is empty")
	}
	resourceID := schemaID(id)
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	if err := compiler.AddResource(resourceID, bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(resourceID)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

func validate(id string, compiled *jsonschema.Schema, value any) error {
	payload, err := normalizeValue(value)
	if err != nil {
		return &ValidationError{Schema: id, Err: err}
	}
	if err := compiled.Validate(payload); err != nil {
		return &ValidationError{Schema: id, Err: err}
	}
	return nil
}

// normalizeValue turns raw JSON and typed structs into the generic
// map/slice form the validator walks.
func normalizeValue(value any) (any, error) {
	var data []byte
	switch v := value.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	case map[string]any, []any, string, float64, bool:
		return value, nil
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		data = encoded
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

func schemaID(id string) string {
	if id == "" {
		id = "schema"
	}
	return "inmemory://" + id
}
