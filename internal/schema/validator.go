// Package schema validates backend collaborator payloads before they reach the core.
// A payload that fails validation surfaces as MALFORMED_RESPONSE.
package schema

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Kind names a payload shape.
type Kind string

const (
	// ScriptSummary is one element of the script list; content may be absent.
	ScriptSummary Kind = "script.summary"
	// ScriptList is the unwrapped list response.
	ScriptList Kind = "script.list"
	// ScriptDetail is a single script, optionally with its version history.
	ScriptDetail Kind = "script.detail"
	// GenerateResponse is the answer to a generation request.
	GenerateResponse Kind = "generate.response"
)

const summarySchema = `{
	"type": "object",
	"required": ["id"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"title": {"type": ["string", "null"]},
		"content": {"type": ["string", "null"]},
		"createdAt": {"type": ["string", "number", "null"]},
		"brandName": {"type": ["string", "null"]},
		"productName": {"type": ["string", "null"]},
		"adType": {"type": ["string", "null"]},
		"liked": {"type": ["boolean", "null"]},
		"metadata": {"type": ["object", "null"]}
	}
}`

const detailSchema = `{
	"definitions": {
		"version": {
			"type": "object",
			"required": ["id", "content"],
			"properties": {
				"id": {"type": "string", "minLength": 1},
				"content": {"type": "string"},
				"regenerationPrompt": {"type": ["string", "null"]},
				"liked": {"type": ["boolean", "null"]}
			}
		}
	},
	"allOf": [{"$ref": "#/definitions/version"}],
	"properties": {
		"versions": {"type": ["array", "null"], "items": {"$ref": "#/definitions/version"}}
	}
}`

const listSchema = `{"type": "array", "items": ` + summarySchema + `}`

const generateSchema = `{
	"type": "object",
	"required": ["success"],
	"properties": {
		"success": {"type": "boolean"},
		"message": {"type": ["string", "null"]},
		"script": {"type": ["object", "null"]}
	},
	"if": {"properties": {"success": {"const": true}}},
	"then": {
		"required": ["script"],
		"properties": {"script": {"type": "object", "required": ["id", "content"], "properties": {"content": {"type": "string"}}}}
	}
}`

// Validator validates payloads against compiled JSON schemas.
type Validator struct {
	schemas map[Kind]*gojsonschema.Schema
}

// NewValidator compiles every supported schema.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[Kind]*gojsonschema.Schema)}
	for kind, src := range map[Kind]string{
		ScriptSummary:    summarySchema,
		ScriptList:       listSchema,
		ScriptDetail:     detailSchema,
		GenerateResponse: generateSchema,
	} {
		if err := v.loadSchema(kind, src); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (v *Validator) loadSchema(kind Kind, schemaJSON string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", kind, err)
	}
	v.schemas[kind] = schema
	return nil
}

// Validate checks raw JSON against the schema for kind and returns a joined description
// of every violation.
func (v *Validator) Validate(kind Kind, raw []byte) error {
	schema, ok := v.schemas[kind]
	if !ok {
		return fmt.Errorf("schema not found for %s", kind)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
