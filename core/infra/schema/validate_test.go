package schema

import (
	"encoding/json"
	"testing"
)

const testSchema = `{
  "type": "object",
  "properties": {
    "source": {"type": "string"},
    "options": {"type": "array", "items": {"type": "string"}}
  }
}`

func TestValidateAccepts(t *testing.T) {
	value := json.RawMessage(`{"source":"int main(){}","options":["-O2"]}`)
	if err := Validate("compile-request", []byte(testSchema), value); err != nil {
		t.Fatalf("expected valid payload, got %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	value := json.RawMessage(`{"source":42}`)
	if err := Validate("compile-request", []byte(testSchema), value); err == nil {
		t.Fatalf("expected validation failure")
	}
}

func TestValidateEmptySchema(t *testing.T) {
	if err := Validate("x", nil, map[string]any{}); err == nil {
		t.Fatalf("expected error for empty schema")
	}
}

func TestValidateBadPayloadBytes(t *testing.T) {
	if err := Validate("x", []byte(testSchema), []byte("{not json")); err == nil {
		t.Fatalf("expected error for malformed payload")
	}
}
