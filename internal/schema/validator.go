// internal/schema/validator.go
// Package schema provides JSON schema validation for template payloads.
// Each notification channel carries different required fields, so create and
// update requests are validated against a per-channel schema before they
// reach the store.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// SupportedChannels lists the notification channels payloads can be validated
// for. Requests naming any other templateType are rejected.
var SupportedChannels = map[string]bool{
	"EMAIL":   true, // Email templates (subject + message)
	"SMS":     true, // SMS templates (message only)
	"NHS_APP": true, // NHS App templates (message only)
	"LETTER":  true, // Letter templates (files + metadata)
}

// Validator validates template payloads against per-channel JSON schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema
}

// NewValidator creates a new payload validator with all channel schemas
// compiled.
func NewValidator() (*Validator, error) {
	v := &Validator{
		schemas: make(map[string]*gojsonschema.Schema),
	}
	if err := v.loadSchemas(); err != nil {
		return nil, fmt.Errorf("failed to load schemas: %w", err)
	}
	return v, nil
}

// loadSchemas compiles the JSON schemas for every supported channel. The
// length limits mirror the channel constraints enforced by the sending
// services: SMS is capped at the concatenated-message limit and NHS App at
// the in-app message limit.
func (v *Validator) loadSchemas() error {
	emailSchema := `{"type":"object","required":["templateType","name","subject","message"],"properties":{"templateType":{"const":"EMAIL"},"name":{"type":"string","minLength":1,"maxLength":255},"subject":{"type":"string","minLength":1,"maxLength":998},"message":{"type":"string","minLength":1,"maxLength":100000}}}`
	if err := v.loadSchema("EMAIL", emailSchema); err != nil {
		return fmt.Errorf("failed to load email schema: %w", err)
	}

	smsSchema := `{"type":"object","required":["templateType","name","message"],"properties":{"templateType":{"const":"SMS"},"name":{"type":"string","minLength":1,"maxLength":255},"message":{"type":"string","minLength":1,"maxLength":918}}}`
	if err := v.loadSchema("SMS", smsSchema); err != nil {
		return fmt.Errorf("failed to load sms schema: %w", err)
	}

	nhsAppSchema := `{"type":"object","required":["templateType","name","message"],"properties":{"templateType":{"const":"NHS_APP"},"name":{"type":"string","minLength":1,"maxLength":255},"message":{"type":"string","minLength":1,"maxLength":5000}}}`
	if err := v.loadSchema("NHS_APP", nhsAppSchema); err != nil {
		return fmt.Errorf("failed to load nhs app schema: %w", err)
	}

	letterSchema := `{"type":"object","required":["templateType","name","letterType","language"],"properties":{"templateType":{"const":"LETTER"},"name":{"type":"string","minLength":1,"maxLength":255},"letterType":{"type":"string","enum":["x0","x1","q4"]},"language":{"type":"string","minLength":2,"maxLength":5},"proofingEnabled":{"type":"boolean"}}}`
	if err := v.loadSchema("LETTER", letterSchema); err != nil {
		return fmt.Errorf("failed to load letter schema: %w", err)
	}

	return nil
}

// loadSchema compiles a single channel schema.
func (v *Validator) loadSchema(channel, schemaJSON string) error {
	loader := gojsonschema.NewStringLoader(schemaJSON)
	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", channel, err)
	}
	v.schemas[channel] = schema
	return nil
}

// Validate validates a template payload against the schema for its channel.
// Returns nil if valid, or an error describing every violated constraint.
func (v *Validator) Validate(channel string, payload map[string]interface{}) error {
	if !SupportedChannels[channel] {
		return fmt.Errorf("unsupported template type: %s", channel)
	}

	schema, exists := v.schemas[channel]
	if !exists {
		return fmt.Errorf("schema not found for template type: %s", channel)
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(payloadJSON))
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
