package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/xeipuuv/gojsonschema"
)

// CheckSchema verifies that a parameter schema is itself a valid JSON schema
func CheckSchema(name string, schema *jsonschema.Schema) error {
	if schema == nil {
		return nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return ErrSchemaValidationFailed.Withf(name, "failed to marshal schema: %v", err)
	}
	if string(data) == "true" {
		return nil
	}
	if _, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data)); err != nil {
		return ErrSchemaValidationFailed.Withf(name, "invalid parameter schema: %v", err)
	}
	return nil
}

// ValidateArguments checks call arguments against a tool's parameter schema,
// reporting every violation in one error.
func ValidateArguments(name string, schema *jsonschema.Schema, args map[string]any) error {
	if schema == nil {
		return nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return ErrSchemaValidationFailed.Withf(name, "failed to marshal schema: %v", err)
	}
	// the empty schema accepts anything
	if string(data) == "true" {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}

	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(data), gojsonschema.NewGoLoader(args))
	if err != nil {
		return ErrSchemaValidationFailed.Withf(name, "failed to validate arguments: %v", err)
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}
	return ErrSchemaValidationFailed.With(name, fmt.Errorf("%s", strings.Join(problems, "; ")))
}
