package intent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// PayloadValidator validates intent payloads against per-action JSON Schemas
// before an intent enters the decision pipeline. Actions without a registered
// schema accept any payload; registered schemas are enforced strictly.
type PayloadValidator struct {
	mu      sync.RWMutex
	schemas map[ActionKind]*jsonschema.Schema
}

// NewPayloadValidator creates an empty validator.
func NewPayloadValidator() *PayloadValidator {
	return &PayloadValidator{schemas: make(map[ActionKind]*jsonschema.Schema)}
}

// Register compiles and installs a JSON Schema for an action kind.
func (v *PayloadValidator) Register(action ActionKind, schema string) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://arbiter.schemas.local/intent/%s.schema.json", strings.ToLower(string(action)))
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("intent: schema load failed: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("intent: schema compile failed: %w", err)
	}

	v.mu.Lock()
	v.schemas[action] = compiled
	v.mu.Unlock()
	return nil
}

// Validate checks the intent payload against the schema registered for its
// action kind, if any. A nil payload passes only when no schema is registered.
func (v *PayloadValidator) Validate(in *Intent) error {
	v.mu.RLock()
	schema, ok := v.schemas[in.Action]
	v.mu.RUnlock()
	if !ok {
		return nil
	}
	if len(in.Payload) == 0 {
		return fmt.Errorf("intent %s: payload required for %s", in.ID, in.Action)
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(in.Payload))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("intent %s: payload is not valid JSON: %w", in.ID, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("intent %s: payload rejected: %w", in.ID, err)
	}
	return nil
}
