package route

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// CodeInvalidPayload rejects a payload that fails its action's schema.
// Raised at the router boundary so handlers only ever see well-formed input.
const CodeInvalidPayload = "INVALID_PAYLOAD"

// SchemaSet holds the compiled payload schema per action. Actions without a
// schema pass through unchecked.
type SchemaSet struct {
	schemas map[string]*jsonschema.Schema
}

// CompileSchemas compiles one JSON Schema (2020-12) per action.
func CompileSchemas(src map[string]string) (*SchemaSet, error) {
	set := &SchemaSet{schemas: map[string]*jsonschema.Schema{}}
	for action, raw := range src {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://conduit.schemas.local/%s.schema.json", action)
		if err := c.AddResource(url, strings.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("schema %s: %w", action, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", action, err)
		}
		set.schemas[action] = compiled
	}
	return set, nil
}

// LoadSchemaDir overlays <action>.schema.json files from dir onto src.
// File names use the action literally: github.issue_create.schema.json.
func LoadSchemaDir(dir string, src map[string]string) (map[string]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.schema.json"))
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	for _, file := range matches {
		action := strings.TrimSuffix(filepath.Base(file), ".schema.json")
		raw, err := os.ReadFile(filepath.Clean(file))
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", file, err)
		}
		out[action] = string(raw)
	}
	return out, nil
}

// Validate checks payload against the schema registered for action. A nil
// return means the payload may reach the handler.
func (s *SchemaSet) Validate(action string, payload json.RawMessage) *Rejection {
	if s == nil {
		return nil
	}
	schema, ok := s.schemas[action]
	if !ok {
		return nil
	}
	var v any
	if len(payload) == 0 {
		v = map[string]any{}
	} else if err := json.Unmarshal(payload, &v); err != nil {
		return &Rejection{Code: CodeInvalidPayload, Message: fmt.Sprintf("payload for %s is not valid JSON", action)}
	}
	if err := schema.Validate(v); err != nil {
		return &Rejection{Code: CodeInvalidPayload, Message: fmt.Sprintf("payload for %s: %v", action, err)}
	}
	return nil
}

// DefaultSchemas covers the shipped actions. Deliberately minimal: required
// keys and types only, handlers own deeper semantics.
func DefaultSchemas() map[string]string {
	return map[string]string{
		"context.capture": `{
			"type": "object",
			"properties": {
				"url": {"type": "string"},
				"selection": {"type": "string"},
				"note": {"type": "string"}
			}
		}`,
		"github.issue_create": `{
			"type": "object",
			"required": ["title"],
			"properties": {
				"title": {"type": "string", "minLength": 1},
				"body": {"type": "string"},
				"labels": {"type": "array", "items": {"type": "string"}}
			}
		}`,
		"github.pr_create": `{
			"type": "object",
			"required": ["title"],
			"properties": {
				"title": {"type": "string", "minLength": 1},
				"body": {"type": "string"},
				"head": {"type": "string"},
				"base": {"type": "string"}
			}
		}`,
		"docs.text_append": `{
			"type": "object",
			"required": ["content"],
			"properties": {
				"content": {"type": "string", "minLength": 1}
			}
		}`,
		"sheets.row_append": `{
			"type": "object",
			"required": ["values"],
			"properties": {
				"values": {"type": "array", "minItems": 1}
			}
		}`,
		"slack.message_send": `{
			"type": "object",
			"required": ["text"],
			"properties": {
				"text": {"type": "string", "minLength": 1},
				"channel": {"type": "string"}
			}
		}`,
		"ai.summarize": `{
			"type": "object",
			"required": ["content"],
			"properties": {
				"content": {"type": "string", "minLength": 1},
				"style": {"type": "string"}
			}
		}`,
		"drive.file_list": `{
			"type": "object",
			"properties": {
				"folderId": {"type": "string"},
				"query": {"type": "string"}
			}
		}`,
	}
}
