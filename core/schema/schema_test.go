package schema_test

import (
	"testing"

	"github.com/relabs-tech/postbase/core/schema"
)

const (
	refTag = `{ "$id": "http://postbase.example/tag.json",
	  "type": "string", "maxLength": 16 }`

	schemaPost = `
	{ "$id": "http://postbase.example/post.json",
	  "type": "object",
	  "required": ["title"],
	  "properties": {
	    "title": { "type": "string" },
	    "tags": { "type": "array", "items": { "$ref": "http://postbase.example/tag.json" } }
	  }
	}`
)

func TestValidator(t *testing.T) {
	v, err := schema.NewValidator([]string{schemaPost}, []string{refTag})
	if err != nil {
		t.Fatal(err)
	}

	schemaID := "http://postbase.example/post.json"
	if !v.HasSchema(schemaID) {
		t.Fatal("schema not registered under its $id")
	}
	if v.HasSchema("http://postbase.example/other.json") {
		t.Fatal("unknown schema id reported as known")
	}

	if err := v.ValidateString(`{"title":"hello","tags":["go"]}`, schemaID); err != nil {
		t.Fatalf("valid document rejected: %v", err)
	}
	if err := v.ValidateString(`{"tags":["go"]}`, schemaID); err == nil {
		t.Fatal("document without required title accepted")
	}
	if err := v.ValidateString(`{"title":"hello","tags":["far too long for a tag"]}`, schemaID); err == nil {
		t.Fatal("document violating the tag ref accepted")
	}

	document := map[string]interface{}{"title": "hello"}
	if err := v.ValidateStruct(document, schemaID); err != nil {
		t.Fatalf("valid struct rejected: %v", err)
	}
	if err := v.ValidateStruct(document, "http://postbase.example/other.json"); err == nil {
		t.Fatal("validation against unknown schema id did not fail")
	}
}

func TestValidatorBadSchemas(t *testing.T) {
	if _, err := schema.NewValidator([]string{`{"type":"object"}`}, nil); err == nil {
		t.Fatal("schema without $id accepted")
	}
	if _, err := schema.NewValidator([]string{`not json`}, nil); err == nil {
		t.Fatal("unparsable schema accepted")
	}
}
