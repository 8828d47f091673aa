package httpapi

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Request bodies are validated against JSON Schemas before any handler code
// touches them, so handlers only ever see well-formed input.
const (
	syncRequestSchema = `{
		"type": "object",
		"properties": {
			"strategy": {"type": "string", "enum": ["prefer-local", "prefer-external", "keep-both"]}
		},
		"required": ["strategy"],
		"additionalProperties": false
	}`

	enabledRequestSchema = `{
		"type": "object",
		"properties": {
			"enabled": {"type": "boolean"}
		},
		"required": ["enabled"],
		"additionalProperties": false
	}`

	resolveRequestSchema = `{
		"type": "object",
		"properties": {
			"resolution": {"type": "string", "minLength": 1}
		},
		"required": ["resolution"],
		"additionalProperties": false
	}`

	eventRequestSchema = `{
		"type": "object",
		"properties": {
			"title": {"type": "string", "minLength": 1},
			"description": {"type": "string"},
			"startTime": {"type": "string", "format": "date-time"},
			"endTime": {"type": "string", "format": "date-time"},
			"location": {"type": "string"},
			"allDay": {"type": "boolean"},
			"recurrence": {"type": "string"}
		},
		"required": ["title", "startTime", "endTime"],
		"additionalProperties": false
	}`

	channelRequestSchema = `{
		"type": "object",
		"properties": {
			"calendarId": {"type": "string"}
		},
		"additionalProperties": false
	}`
)

type requestSchemas struct {
	sync    *jsonschema.Schema
	enabled *jsonschema.Schema
	resolve *jsonschema.Schema
	event   *jsonschema.Schema
	channel *jsonschema.Schema
}

func compileRequestSchemas() (*requestSchemas, error) {
	compiler := jsonschema.NewCompiler()
	compile := func(name, text string) (*jsonschema.Schema, error) {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", name, err)
		}
		url := "urn:calsync:" + name
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("register schema %s: %w", name, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		return schema, nil
	}

	var (
		schemas requestSchemas
		err     error
	)
	if schemas.sync, err = compile("sync", syncRequestSchema); err != nil {
		return nil, err
	}
	if schemas.enabled, err = compile("enabled", enabledRequestSchema); err != nil {
		return nil, err
	}
	if schemas.resolve, err = compile("resolve", resolveRequestSchema); err != nil {
		return nil, err
	}
	if schemas.event, err = compile("event", eventRequestSchema); err != nil {
		return nil, err
	}
	if schemas.channel, err = compile("channel", channelRequestSchema); err != nil {
		return nil, err
	}
	return &schemas, nil
}

// validateBody checks raw JSON against the schema and returns a message fit
// for a 400 response.
func validateBody(schema *jsonschema.Schema, body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid json body")
	}
	if err := schema.Validate(inst); err != nil {
		return err
	}
	return nil
}
