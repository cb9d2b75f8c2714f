// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package schema validates collection payloads against JSON schemas.
package schema

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/xeipuuv/gojsonschema"
)

// Validator holds compiled JSON schemas, addressable by their $id.
type Validator struct {
	compiled map[string]*gojsonschema.Schema
}

// NewValidator compiles the given schema documents. Each document must
// carry a $id property; the id is what collections reference with
// schema_id. Schemas can reference any of the refs, but not each other.
func NewValidator(schemas []string, refs []string) (*Validator, error) {
	v := &Validator{compiled: make(map[string]*gojsonschema.Schema)}
	for _, document := range schemas {
		var head struct {
			ID string `json:"$id"`
		}
		if err := json.Unmarshal([]byte(document), &head); err != nil {
			return nil, fmt.Errorf("invalid schema document: %w", err)
		}
		if head.ID == "" {
			return nil, errors.New("schema document lacks $id")
		}

		// the loader is single-use, gojsonschema ties the refs to
		// the compiled schema
		loader := gojsonschema.NewSchemaLoader()
		for _, ref := range refs {
			if err := loader.AddSchemas(gojsonschema.NewStringLoader(ref)); err != nil {
				return nil, fmt.Errorf("cannot add schema reference: %w", err)
			}
		}
		compiled, err := loader.Compile(gojsonschema.NewStringLoader(document))
		if err != nil {
			return nil, fmt.Errorf("cannot compile schema %s: %w", head.ID, err)
		}
		v.compiled[head.ID] = compiled
	}
	return v, nil
}

// HasSchema reports whether a schema with the given id was compiled.
func (v *Validator) HasSchema(schemaID string) bool {
	_, ok := v.compiled[schemaID]
	return ok
}

// ValidateStruct validates an unmarshalled document against the schema
// with the given id. A nil return means the document is valid.
func (v *Validator) ValidateStruct(document interface{}, schemaID string) error {
	return v.validate(gojsonschema.NewGoLoader(document), schemaID)
}

// ValidateString validates a raw JSON string against the schema with
// the given id. A nil return means the document is valid.
func (v *Validator) ValidateString(document, schemaID string) error {
	return v.validate(gojsonschema.NewStringLoader(document), schemaID)
}

func (v *Validator) validate(loader gojsonschema.JSONLoader, schemaID string) error {
	compiled, ok := v.compiled[schemaID]
	if !ok {
		return fmt.Errorf("no schema %s", schemaID)
	}
	result, err := compiled.Validate(loader)
	if err != nil {
		return fmt.Errorf("cannot validate with schema %s: %w", schemaID, err)
	}
	if result.Valid() {
		return nil
	}
	var description strings.Builder
	description.WriteString("the document is not valid:")
	for _, resultError := range result.Errors() {
		description.WriteString("\n- ")
		description.WriteString(resultError.String())
	}
	return errors.New(description.String())
}
